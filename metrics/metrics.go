// Package metrics exposes Prometheus instrumentation for the execution
// framework: engine runs by kind and outcome, mediated tool calls, sub-agent
// spawns and the progress chunk flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/stream"
)

// Metrics owns a dedicated registry so embedding applications can mount it
// wherever they serve their exposition endpoint.
type Metrics struct {
	registry *prometheus.Registry

	engineRuns  *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	toolCalls   *prometheus.CounterVec
	spawns      *prometheus.CounterVec
	chunks      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		engineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "probemesh",
			Name:      "engine_runs_total",
			Help:      "Engine executions by kind and terminal status.",
		}, []string{"engine", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "probemesh",
			Name:      "engine_run_duration_seconds",
			Help:      "Wall-clock duration of engine executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"engine"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "probemesh",
			Name:      "tool_calls_total",
			Help:      "Mediated tool calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "probemesh",
			Name:      "subagent_spawns_total",
			Help:      "Sub-agent spawn attempts by outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "probemesh",
			Name:      "progress_chunks_total",
			Help:      "Progress chunks emitted by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.engineRuns, m.runDuration, m.toolCalls, m.spawns, m.chunks)
	return m
}

// Registry returns the backing registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records one finished engine execution and the tool calls on its
// trace.
func (m *Metrics) ObserveRun(trace *core.ExecutionTrace) {
	m.engineRuns.WithLabelValues(string(trace.Engine), string(trace.Status)).Inc()
	m.runDuration.WithLabelValues(string(trace.Engine)).Observe(trace.Duration.Seconds())
	for _, call := range trace.ToolCalls() {
		outcome := "ok"
		if call.Err != "" {
			outcome = "error"
		}
		m.toolCalls.WithLabelValues(call.Tool, outcome).Inc()
	}
}

// ObserveSpawn records one sub-agent spawn attempt.
func (m *Metrics) ObserveSpawn(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "refused"
	}
	m.spawns.WithLabelValues(outcome).Inc()
}

// ChunkSink returns a stream sink counting every emitted chunk by kind.
// Attach it with Emitter.AddSink.
func (m *Metrics) ChunkSink() stream.Sink {
	return stream.SinkFunc(func(chunk stream.Chunk) {
		m.chunks.WithLabelValues(string(chunk.Kind)).Inc()
	})
}
