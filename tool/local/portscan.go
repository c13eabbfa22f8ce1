package local

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/probemesh/probemesh/tool"
)

// commonPorts is the default probe set when the caller does not name ports.
var commonPorts = []int{
	21, 22, 23, 25, 53, 80, 110, 111, 135, 139, 143, 443, 993, 995,
	1723, 3306, 3389, 5432, 5900, 8080,
}

var wellKnownServices = map[int]string{
	21:   "ftp",
	22:   "ssh",
	23:   "telnet",
	25:   "smtp",
	53:   "dns",
	80:   "http",
	110:  "pop3",
	143:  "imap",
	443:  "https",
	3306: "mysql",
	3389: "rdp",
	5432: "postgresql",
	5900: "vnc",
	8080: "http-proxy",
}

// PortResult describes one probed port.
type PortResult struct {
	Port           int    `json:"port"`
	Status         string `json:"status"` // open, closed or timeout
	Service        string `json:"service,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// PortScanResult is the structured return value of the port_scan tool.
type PortScanResult struct {
	Target       string       `json:"target"`
	PortsScanned int          `json:"ports_scanned"`
	OpenPorts    []PortResult `json:"open_ports"`
	DurationMS   int64        `json:"scan_duration_ms"`
}

func newPortScanTool(cfg *config) tool.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target": map[string]any{
				"type":        "string",
				"description": "Hostname or IP address to scan",
			},
			"ports": map[string]any{
				"type":        "array",
				"description": "Ports to probe; defaults to a common service set",
			},
			"timeout_ms": map[string]any{
				"type":        "integer",
				"description": "Per-port connect timeout in milliseconds (default 1000)",
			},
		},
		"required": []string{"target"},
	}

	return tool.NewFunctionTool(
		"port_scan",
		"Scan TCP ports on a target host and report open ports with service hints",
		schema,
		func(ctx context.Context, args map[string]any) (any, error) {
			target, _ := args["target"].(string)
			ports := intSlice(args["ports"])
			if len(ports) == 0 {
				ports = commonPorts
			}
			timeout := time.Duration(intArg(args, "timeout_ms", 1000)) * time.Millisecond

			return scanPorts(ctx, target, ports, timeout, cfg.scanConcurrency)
		},
	).WithTags("network", "recon", "scanning")
}

func scanPorts(ctx context.Context, target string, ports []int, timeout time.Duration, concurrency int) (*PortScanResult, error) {
	if _, err := net.DefaultResolver.LookupHost(ctx, target); err != nil {
		return nil, fmt.Errorf("resolve target %s: %w", target, err)
	}

	start := time.Now()
	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	var open []PortResult
	var wg sync.WaitGroup

	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(port int) {
			defer wg.Done()
			defer func() { <-sem }()

			res := probePort(target, port, timeout)
			if res.Status == "open" {
				mu.Lock()
				open = append(open, res)
				mu.Unlock()
			}
		}(port)
	}
	wg.Wait()

	sort.Slice(open, func(i, j int) bool { return open[i].Port < open[j].Port })
	return &PortScanResult{
		Target:       target,
		PortsScanned: len(ports),
		OpenPorts:    open,
		DurationMS:   time.Since(start).Milliseconds(),
	}, ctx.Err()
}

func probePort(target string, port int, timeout time.Duration) PortResult {
	start := time.Now()
	addr := net.JoinHostPort(target, fmt.Sprint(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	elapsed := time.Since(start)

	if err != nil {
		status := "closed"
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			status = "timeout"
		}
		return PortResult{Port: port, Status: status, ResponseTimeMS: elapsed.Milliseconds()}
	}
	_ = conn.Close()
	return PortResult{
		Port:           port,
		Status:         "open",
		Service:        wellKnownServices[port],
		ResponseTimeMS: elapsed.Milliseconds(),
	}
}

// intSlice coerces JSON-decoded arrays ([]any of float64) and native int
// slices into []int.
func intSlice(v any) []int {
	switch vals := v.(type) {
	case []int:
		return vals
	case []any:
		out := make([]int, 0, len(vals))
		for _, item := range vals {
			switch n := item.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

func intArg(args map[string]any, key string, fallback int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}
