package probemesh

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/config"
	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/store"
	"github.com/probemesh/probemesh/stream"
	"github.com/probemesh/probemesh/tool"
)

type messageIDSink struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *messageIDSink) Write(chunk stream.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	s.ids[chunk.MessageID] = struct{}{}
}

func (s *messageIDSink) first() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.ids {
		return id
	}
	return ""
}

func newTestMesh(t *testing.T, cfg *config.Config) (*Mesh, *model.MockModel) {
	t.Helper()
	mock := model.NewMockModel("mock")
	mesh, err := New(context.Background(), cfg, func(o *Options) {
		o.Model = mock
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mesh.Close() })
	return mesh, mock
}

func TestMeshRunsTaskEndToEnd(t *testing.T) {
	mesh, mock := newTestMesh(t, nil)
	mock.Enqueue(`{"final_answer": "target looks clean"}`)

	sink := &messageIDSink{}
	mesh.Emitter().AddSink(sink)

	task := core.NewTask("verify the host is reachable", "")
	trace, err := mesh.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, trace.Status)
	assert.Equal(t, "target looks clean", trace.FinalAnswer)
	assert.Equal(t, core.EngineReAct, task.Engine, "default engine applied")
	assert.Empty(t, mesh.Active())

	// The collector derived and persisted a summary for the message.
	sum, err := mesh.Summaries().GetSummary(context.Background(), sink.first())
	require.NoError(t, err)
	assert.Equal(t, "target looks clean", sum.Content)
	assert.Equal(t, stream.ArchReAct, sum.Architecture)
}

func TestMeshRegistersConfiguredProviders(t *testing.T) {
	mesh, _ := newTestMesh(t, nil)

	perm := tool.NewPermissionSet(tool.StrategyAll)
	defs, err := mesh.router.ListTools(context.Background(), perm, "")
	require.NoError(t, err)

	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	assert.True(t, names["port_scan"], "local provider registered")
	assert.True(t, names[tool.DelegationToolName], "delegation provider registered")
}

func TestMeshUsesConfiguredDefaultEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Default = core.EngineReWOO
	mesh, mock := newTestMesh(t, cfg)
	mock.Enqueue(`{"steps": []}`) // planner output with nothing to do

	task := core.NewTask("noop", "")
	_, _ = mesh.Run(context.Background(), task)
	assert.Equal(t, core.EngineReWOO, task.Engine)
}

func TestMeshSQLiteStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "summaries.db")
	mesh, mock := newTestMesh(t, cfg)
	mock.Enqueue(`{"final_answer": "done"}`)

	sink := &messageIDSink{}
	mesh.Emitter().AddSink(sink)

	_, err := mesh.Run(context.Background(), core.NewTask("quick check", core.EngineReAct))
	require.NoError(t, err)

	_, ok := mesh.Summaries().(*store.SQLiteStore)
	require.True(t, ok)
	sum, err := mesh.Summaries().GetSummary(context.Background(), sink.first())
	require.NoError(t, err)
	assert.Equal(t, "done", sum.Content)
}

func TestMeshCancelUnknownExecution(t *testing.T) {
	mesh, _ := newTestMesh(t, nil)
	assert.False(t, mesh.Cancel("nope"))
}

func TestMeshRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Provider = "carrier-pigeon"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestMeshSpawnMetricsWired(t *testing.T) {
	mesh, mock := newTestMesh(t, nil)

	// Parent delegates once, child answers, parent concludes.
	mock.Enqueue(
		`{"thought": "split the work", "action": "spawn_subagent", "action_input": {"task": "resolve example.com"}}`,
		`{"final_answer": "93.184.216.34"}`,
		`{"final_answer": "resolved via sub-agent"}`,
	)

	trace, err := mesh.Run(context.Background(), core.NewTask("resolve example.com through a helper", core.EngineReAct))
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, trace.Status)

	families, err := mesh.Metrics().Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "probemesh_subagent_spawns_total" {
			found = true
		}
	}
	assert.True(t, found, "spawn counter observed")
}
