package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/probemesh/probemesh/tool"
)

// HTTPResult is the structured return value of the http_request tool. Bodies
// are truncated to the configured cap so model context is not flooded.
type HTTPResult struct {
	StatusCode     int               `json:"status_code"`
	Status         string            `json:"status"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	BodyTruncated  bool              `json:"body_truncated,omitempty"`
	FinalURL       string            `json:"final_url"`
	ContentType    string            `json:"content_type,omitempty"`
	ResponseTimeMS int64             `json:"response_time_ms"`
}

func newHTTPRequestTool(cfg *config) tool.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL for the request",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method (GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS); default GET",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers as key-value pairs",
			},
			"query_params": map[string]any{
				"type":        "object",
				"description": "Query parameters appended to the URL",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body for POST, PUT and PATCH",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Request timeout in seconds (default 30)",
			},
			"follow_redirects": map[string]any{
				"type":        "boolean",
				"description": "Follow redirects (default true)",
			},
		},
		"required": []string{"url"},
	}

	return tool.NewFunctionTool(
		"http_request",
		"Send an HTTP request with custom method, headers and body, and capture the response",
		schema,
		func(ctx context.Context, args map[string]any) (any, error) {
			return doHTTPRequest(ctx, args, cfg.maxBodyBytes)
		},
	).WithTags("web", "http")
}

func doHTTPRequest(ctx context.Context, args map[string]any, maxBody int64) (*HTTPResult, error) {
	rawURL, _ := args["url"].(string)
	method := strings.ToUpper(stringArg(args, "method", http.MethodGet))

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if params, ok := args["query_params"].(map[string]any); ok && len(params) > 0 {
		q := target.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if b, ok := args["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := &http.Client{
		Timeout: time.Duration(intArg(args, "timeout_seconds", 30)) * time.Second,
	}
	if follow, ok := args["follow_redirects"].(bool); ok && !follow {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	truncated := int64(len(data)) > maxBody
	if truncated {
		data = data[:maxBody]
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &HTTPResult{
		StatusCode:     resp.StatusCode,
		Status:         resp.Status,
		Headers:        headers,
		Body:           string(data),
		BodyTruncated:  truncated,
		FinalURL:       resp.Request.URL.String(),
		ContentType:    resp.Header.Get("Content-Type"),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

func stringArg(args map[string]any, key, fallback string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
