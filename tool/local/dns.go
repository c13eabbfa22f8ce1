package local

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/probemesh/probemesh/tool"
)

// DNSResult is the structured return value of the dns_lookup tool.
type DNSResult struct {
	Domain     string   `json:"domain"`
	RecordType string   `json:"record_type"`
	Records    []string `json:"records"`
}

func newDNSLookupTool(_ *config) tool.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"domain": map[string]any{
				"type":        "string",
				"description": "Domain name to resolve",
			},
			"record_type": map[string]any{
				"type":        "string",
				"description": "Record type: A, AAAA, CNAME, MX, NS or TXT (default A)",
			},
		},
		"required": []string{"domain"},
	}

	return tool.NewFunctionTool(
		"dns_lookup",
		"Resolve DNS records for a domain",
		schema,
		func(ctx context.Context, args map[string]any) (any, error) {
			domain, _ := args["domain"].(string)
			recordType := strings.ToUpper(stringArg(args, "record_type", "A"))
			records, err := lookup(ctx, domain, recordType)
			if err != nil {
				return nil, err
			}
			return &DNSResult{Domain: domain, RecordType: recordType, Records: records}, nil
		},
	).WithTags("network", "recon", "dns")
}

func lookup(ctx context.Context, domain, recordType string) ([]string, error) {
	resolver := net.DefaultResolver
	switch recordType {
	case "A", "AAAA":
		network := "ip4"
		if recordType == "AAAA" {
			network = "ip6"
		}
		addrs, err := resolver.LookupIP(ctx, network, domain)
		if err != nil {
			return nil, fmt.Errorf("lookup %s %s: %w", recordType, domain, err)
		}
		out := make([]string, len(addrs))
		for i, a := range addrs {
			out[i] = a.String()
		}
		return out, nil
	case "CNAME":
		cname, err := resolver.LookupCNAME(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("lookup CNAME %s: %w", domain, err)
		}
		return []string{cname}, nil
	case "MX":
		mxs, err := resolver.LookupMX(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("lookup MX %s: %w", domain, err)
		}
		out := make([]string, len(mxs))
		for i, mx := range mxs {
			out[i] = fmt.Sprintf("%d %s", mx.Pref, mx.Host)
		}
		return out, nil
	case "NS":
		nss, err := resolver.LookupNS(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("lookup NS %s: %w", domain, err)
		}
		out := make([]string, len(nss))
		for i, ns := range nss {
			out[i] = ns.Host
		}
		return out, nil
	case "TXT":
		txts, err := resolver.LookupTXT(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("lookup TXT %s: %w", domain, err)
		}
		return txts, nil
	default:
		return nil, fmt.Errorf("unsupported record type: %s", recordType)
	}
}
