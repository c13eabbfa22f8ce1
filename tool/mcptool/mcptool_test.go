package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/core"
)

type fakeSession struct {
	tools     []*mcp.Tool
	listErr   error
	callErr   error
	isError   bool
	reply     string
	lastCall  *mcp.CallToolParams
	listCalls int
	closed    bool
}

func (f *fakeSession) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.lastCall = params
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{
		IsError: f.isError,
		Content: []mcp.Content{&mcp.TextContent{Text: f.reply}},
	}, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestProviderListsRemoteTools(t *testing.T) {
	session := &fakeSession{
		tools: []*mcp.Tool{
			{Name: "detect_waf", Description: "Identify the WAF in front of a target"},
			{Name: "scan", Description: "Run a payload scan"},
		},
	}

	p, err := NewProviderFromSession(context.Background(), "waf-server", session)
	require.NoError(t, err)

	defs, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "detect_waf", defs[0].Name)
	assert.Equal(t, "waf-server", defs[0].Provider)
	assert.Equal(t, "object", defs[0].Parameters["type"], "missing remote schema defaults to a permissive object")
}

func TestProviderRefreshPicksUpServerChanges(t *testing.T) {
	session := &fakeSession{tools: []*mcp.Tool{{Name: "scan"}}}
	p, err := NewProviderFromSession(context.Background(), "srv", session)
	require.NoError(t, err)

	session.tools = append(session.tools, &mcp.Tool{Name: "probe"})
	require.NoError(t, p.Refresh(context.Background()))

	defs, _ := p.List(context.Background())
	assert.Len(t, defs, 2)
	assert.Equal(t, 2, session.listCalls)
}

func TestInvokeMarshalsArguments(t *testing.T) {
	session := &fakeSession{tools: []*mcp.Tool{{Name: "scan"}}, reply: "12 findings"}
	p, err := NewProviderFromSession(context.Background(), "srv", session)
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "scan", map[string]any{"target": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "12 findings", result)

	require.NotNil(t, session.lastCall)
	assert.Equal(t, "scan", session.lastCall.Name)
	var sent map[string]any
	raw, ok := session.lastCall.Arguments.(json.RawMessage)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "https://example.com", sent["target"])
}

func TestInvokeServerSideError(t *testing.T) {
	session := &fakeSession{tools: []*mcp.Tool{{Name: "scan"}}, isError: true, reply: "target unreachable"}
	p, err := NewProviderFromSession(context.Background(), "srv", session)
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "scan", nil)
	assert.ErrorContains(t, err, "target unreachable")
}

func TestInvokeUnknownTool(t *testing.T) {
	session := &fakeSession{tools: []*mcp.Tool{{Name: "scan"}}}
	p, err := NewProviderFromSession(context.Background(), "srv", session)
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, core.ErrToolNotFound)
}

func TestConnectFailurePropagates(t *testing.T) {
	session := &fakeSession{listErr: errors.New("connection reset")}
	_, err := NewProviderFromSession(context.Background(), "srv", session)
	assert.ErrorContains(t, err, "connection reset")
}

func TestClose(t *testing.T) {
	session := &fakeSession{}
	p, err := NewProviderFromSession(context.Background(), "srv", session)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, session.closed)
}
