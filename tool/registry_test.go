package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mutableProvider changes its tool set between refreshes, mimicking a remote
// tool server.
type mutableProvider struct {
	StaticProvider
	next []Tool
}

func newMutableProvider(name string, tools ...Tool) *mutableProvider {
	p := &mutableProvider{StaticProvider: *NewStaticProvider(name, tools...)}
	return p
}

func (p *mutableProvider) Refresh(_ context.Context) error {
	for _, t := range p.next {
		p.Register(t)
	}
	p.next = nil
	return nil
}

func TestRegistryAggregatesProviders(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	require.NoError(t, reg.RegisterProvider(ctx, NewStaticProvider("local", echoTool("port_scan"), echoTool("dns_lookup"))))
	require.NoError(t, reg.RegisterProvider(ctx, NewStaticProvider("remote", echoTool("http_probe"))))

	defs := reg.Snapshot().Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "port_scan", defs[0].Name, "registration order preserved")
	assert.Equal(t, "local", defs[0].Provider)
	assert.Equal(t, "remote", defs[2].Provider)

	err := reg.RegisterProvider(ctx, NewStaticProvider("local"))
	assert.Error(t, err, "duplicate provider name rejected")
}

func TestRegistryDuplicateToolFirstWins(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	require.NoError(t, reg.RegisterProvider(ctx, NewStaticProvider("a", echoTool("shared"))))
	require.NoError(t, reg.RegisterProvider(ctx, NewStaticProvider("b", echoTool("shared"))))

	defs := reg.Snapshot().Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "a", defs[0].Provider)
}

func TestRegistryRefreshSwapsSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	p := newMutableProvider("dynamic", echoTool("old_tool"))
	require.NoError(t, reg.RegisterProvider(ctx, p))

	before := reg.Snapshot()
	require.Len(t, before.Definitions(), 1)

	p.next = []Tool{echoTool("new_tool")}
	require.NoError(t, reg.Refresh(ctx, "dynamic"))

	after := reg.Snapshot()
	assert.Len(t, after.Definitions(), 2)

	// The snapshot taken before the refresh is untouched; an in-flight call
	// holding it keeps resolving against the old world.
	assert.Len(t, before.Definitions(), 1)
	_, _, ok := before.Lookup("new_tool")
	assert.False(t, ok)

	assert.Error(t, reg.Refresh(ctx, "missing"), "unknown provider name")
}

func TestRegistryUsageAccounting(t *testing.T) {
	reg := NewRegistry()

	reg.RecordUsage("port_scan", 30*time.Millisecond, false)
	reg.RecordUsage("port_scan", 50*time.Millisecond, true)

	st, ok := reg.Usage("port_scan")
	require.True(t, ok)
	assert.Equal(t, uint64(2), st.Calls)
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, 80*time.Millisecond, st.TotalDuration)
	assert.False(t, st.LastUsed.IsZero())

	_, ok = reg.Usage("never_called")
	assert.False(t, ok)

	snap := reg.UsageSnapshot()
	assert.Len(t, snap, 1)
}

type failingProvider struct{ StaticProvider }

func (p *failingProvider) List(context.Context) ([]Definition, error) {
	return nil, errors.New("connection refused")
}

func TestRegistryRegisterPropagatesListError(t *testing.T) {
	reg := NewRegistry()
	p := &failingProvider{StaticProvider: *NewStaticProvider("down")}
	err := reg.RegisterProvider(context.Background(), p)
	assert.ErrorContains(t, err, "connection refused")
}
