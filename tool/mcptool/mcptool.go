// Package mcptool bridges remote Model Context Protocol tool servers into the
// registry. Each remote tool advertised by the server becomes a regular tool
// definition; Refresh re-lists the remote session so server-side changes show
// up after the next registry refresh.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/tool"
)

// Session is the slice of the MCP client session the provider needs. It is
// satisfied by *mcp.ClientSession and by fakes in tests.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Provider exposes the tools of one connected MCP server.
type Provider struct {
	name    string
	session Session
	logger  logging.Logger

	mu   sync.RWMutex
	defs []tool.Definition
}

// Option configures the Provider.
type Option func(*Provider)

// WithLogger sets the logger for connection and call diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// Connect dials an MCP server over SSE and enumerates its tools. name becomes
// the provider name in the registry, so multiple servers can coexist.
func Connect(ctx context.Context, name, endpoint string, opts ...Option) (*Provider, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "probemesh", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.SSEClientTransport{Endpoint: endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %s: %w", endpoint, err)
	}
	return NewProviderFromSession(ctx, name, session, opts...)
}

// NewProviderFromSession wraps an already-established session.
func NewProviderFromSession(ctx context.Context, name string, session Session, opts ...Option) (*Provider, error) {
	p := &Provider{
		name:    name,
		session: session,
		logger:  logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// Refresh re-lists the remote session's tools.
func (p *Provider) Refresh(ctx context.Context) error {
	result, err := p.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("list tools of MCP server %s: %w", p.name, err)
	}

	defs := make([]tool.Definition, 0, len(result.Tools))
	for _, t := range result.Tools {
		defs = append(defs, tool.Definition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
			Provider:    p.name,
		})
	}

	p.mu.Lock()
	p.defs = defs
	p.mu.Unlock()

	p.logger.Debug("mcptool.refreshed", "provider", p.name, "tools", len(defs))
	return nil
}

// List returns the tool definitions from the last refresh.
func (p *Provider) List(_ context.Context) ([]tool.Definition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tool.Definition, len(p.defs))
	copy(out, p.defs)
	return out, nil
}

// Invoke calls one remote tool. A result flagged IsError by the server comes
// back as a Go error so engines treat it like any other tool failure.
func (p *Provider) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	p.mu.RLock()
	known := false
	for _, def := range p.defs {
		if def.Name == name {
			known = true
			break
		}
	}
	p.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("provider %s: %w: %s", p.name, core.ErrToolNotFound, name)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments for %s: %w", name, err)
	}

	result, err := p.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: json.RawMessage(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("call MCP tool %s: %w", name, err)
	}
	text := extractText(result)
	if result.IsError {
		return nil, fmt.Errorf("MCP tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close terminates the underlying session.
func (p *Provider) Close() error { return p.session.Close() }

// schemaToMap converts the SDK's typed schema into the plain map shape the
// registry works with, via a JSON round trip.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	return out
}

func extractText(result *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
