// Package probemesh assembles the execution framework from configuration:
// the completion service, the tool registry and router with every configured
// provider, the sub-agent dispatcher, the progress stream with its collector
// and summary store, and the task dispatcher that ties them together. Most
// programs construct one Mesh and drive everything through it.
package probemesh

import (
	"context"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/probemesh/probemesh/config"
	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/dispatch"
	"github.com/probemesh/probemesh/engine"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/metrics"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/model/anthropic"
	"github.com/probemesh/probemesh/model/openai"
	"github.com/probemesh/probemesh/store"
	"github.com/probemesh/probemesh/stream"
	"github.com/probemesh/probemesh/subagent"
	"github.com/probemesh/probemesh/tool"
	"github.com/probemesh/probemesh/tool/browser"
	"github.com/probemesh/probemesh/tool/local"
	"github.com/probemesh/probemesh/tool/mcptool"
	"github.com/probemesh/probemesh/tool/script"
	"github.com/probemesh/probemesh/tool/workflow"
)

// Options holds dependency overrides passed to New().
type Options struct {
	// Logger replaces the default slog JSON logger.
	Logger logging.Logger
	// Model replaces the completion service built from the configuration.
	// Useful for tests and for adapters this package does not know about.
	Model model.Model
	// Metrics replaces the default metrics set, so an embedding application
	// can mount the counters on its own Prometheus registry.
	Metrics *metrics.Metrics
	// ExtraProviders are registered alongside the configured tool providers.
	ExtraProviders []tool.Provider
}

// Mesh is the assembled framework. Public methods are safe for concurrent
// use.
type Mesh struct {
	cfg    *config.Config
	logger logging.Logger

	model      model.Model
	registry   *tool.Registry
	router     *tool.Router
	emitter    *stream.Emitter
	collector  *stream.Collector
	summaries  stream.SummaryStore
	metrics    *metrics.Metrics
	subAgents  *subagent.Dispatcher
	dispatcher *dispatch.Dispatcher

	closers []io.Closer
}

// New assembles a Mesh from the configuration. The context bounds provider
// setup, in particular dialing the configured MCP servers. An MCP server
// that cannot be reached is skipped with a warning rather than failing the
// whole assembly; every other misconfiguration is an error.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Mesh, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefaultSlogLogger()
	}

	m := &Mesh{cfg: cfg, logger: logger}

	m.model = opts.Model
	if m.model == nil {
		m.model = buildModel(cfg.Model)
	}

	m.metrics = opts.Metrics
	if m.metrics == nil {
		m.metrics = metrics.New()
	}

	if err := m.buildStore(); err != nil {
		return nil, err
	}
	m.emitter = stream.NewEmitter()
	m.emitter.AddSink(m.metrics.ChunkSink())
	m.collector = stream.NewCollector(func(o *stream.CollectorOptions) {
		o.Store = m.summaries
		o.Logger = logger
	})
	m.emitter.AddSink(m.collector)

	m.registry = tool.NewRegistry(tool.WithRegistryLogger(logger))
	m.router = tool.NewRouter(m.registry,
		tool.WithRouterLogger(logger),
		tool.WithSelectionModel(m.model),
	)
	if err := m.registerProviders(ctx, opts.ExtraProviders); err != nil {
		m.Close()
		return nil, err
	}

	deps := engine.Deps{
		Model:       m.model,
		Router:      m.router,
		Emitter:     m.emitter,
		Logger:      logger,
		Permissions: cfg.Permissions,
	}
	engOpts := engineOptions(cfg.Engine)

	m.subAgents = subagent.NewDispatcher(deps, func(o *subagent.Options) {
		o.MaxConcurrent = cfg.SubAgents.MaxConcurrent
		o.MaxPerParent = cfg.SubAgents.MaxPerParent
		o.MaxDepth = cfg.SubAgents.MaxDepth
		o.Engine = engOpts
		o.OnSpawn = m.metrics.ObserveSpawn
	})
	if err := m.registry.RegisterProvider(ctx, subagent.NewDelegationProvider(m.subAgents)); err != nil {
		m.Close()
		return nil, fmt.Errorf("register delegation provider: %w", err)
	}

	deps.Spawner = m.subAgents
	m.dispatcher = dispatch.New(deps,
		dispatch.WithEngineOptions(engOpts),
		dispatch.WithMetrics(m.metrics),
		dispatch.WithMaxConcurrent(cfg.MaxConcurrentRuns),
	)
	return m, nil
}

// Run executes a task synchronously. A task without an engine gets the
// configured default.
func (m *Mesh) Run(ctx context.Context, task *core.Task) (*core.ExecutionTrace, error) {
	m.applyDefaultEngine(task)
	return m.dispatcher.Run(ctx, task)
}

// Start launches a task in the background and returns a handle for waiting
// and cancellation.
func (m *Mesh) Start(ctx context.Context, task *core.Task) (*dispatch.Handle, error) {
	m.applyDefaultEngine(task)
	return m.dispatcher.Start(ctx, task)
}

// Cancel requests cooperative cancellation of a running execution. It
// reports whether the execution was active.
func (m *Mesh) Cancel(executionID string) bool { return m.dispatcher.Cancel(executionID) }

// Trace returns the stored trace of a finished execution.
func (m *Mesh) Trace(executionID string) (*core.ExecutionTrace, bool) {
	return m.dispatcher.Trace(executionID)
}

// Active lists the execution ids currently running.
func (m *Mesh) Active() []string { return m.dispatcher.Active() }

// Emitter exposes the progress stream so callers can attach their own sinks.
func (m *Mesh) Emitter() *stream.Emitter { return m.emitter }

// Collector exposes the summary collector.
func (m *Mesh) Collector() *stream.Collector { return m.collector }

// Summaries exposes the configured summary store.
func (m *Mesh) Summaries() stream.SummaryStore { return m.summaries }

// Metrics exposes the metric set, typically to mount its registry on an
// HTTP handler.
func (m *Mesh) Metrics() *metrics.Metrics { return m.metrics }

// Registry exposes the tool registry for late provider registration.
func (m *Mesh) Registry() *tool.Registry { return m.registry }

// Close releases held resources: MCP sessions and the summary store.
func (m *Mesh) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.closers = nil
	return firstErr
}

func (m *Mesh) applyDefaultEngine(task *core.Task) {
	if task != nil && task.Engine == "" {
		task.Engine = m.cfg.Engine.Default
	}
}

func (m *Mesh) buildStore() error {
	if m.cfg.Store.SQLitePath == "" {
		m.summaries = store.NewMemoryStore()
		return nil
	}
	s, err := store.OpenSQLite(m.cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open summary store: %w", err)
	}
	m.summaries = s
	m.closers = append(m.closers, s)
	return nil
}

func (m *Mesh) registerProviders(ctx context.Context, extra []tool.Provider) error {
	providers := []tool.Provider{local.NewProvider()}

	if dir := m.cfg.Tools.ScriptDir; dir != "" {
		p, err := script.NewProvider(dir, script.WithLogger(m.logger))
		if err != nil {
			return fmt.Errorf("load script plugins: %w", err)
		}
		providers = append(providers, p)
	}
	if dir := m.cfg.Tools.WorkflowDir; dir != "" {
		p, err := workflow.NewProvider(dir, m.router, workflow.WithLogger(m.logger))
		if err != nil {
			return fmt.Errorf("load workflows: %w", err)
		}
		providers = append(providers, p)
	}
	if m.cfg.Tools.Browser.Enabled {
		providers = append(providers, browser.NewProvider(
			browser.WithPageTimeout(m.cfg.Tools.Browser.PageTimeout()),
		))
	}
	for _, srv := range m.cfg.Tools.MCPServers {
		p, err := mcptool.Connect(ctx, srv.Name, srv.Endpoint, mcptool.WithLogger(m.logger))
		if err != nil {
			m.logger.Warn("mesh.mcp_server.unreachable", "server", srv.Name, "endpoint", srv.Endpoint, "error", err)
			continue
		}
		providers = append(providers, p)
		m.closers = append(m.closers, p)
	}
	providers = append(providers, extra...)

	for _, p := range providers {
		if err := m.registry.RegisterProvider(ctx, p); err != nil {
			return fmt.Errorf("register provider %s: %w", p.Name(), err)
		}
	}
	return nil
}

func buildModel(cfg config.ModelConfig) model.Model {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
		})
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
			o.APIKey = cfg.APIKey()
		})
	default:
		return model.NewMockModel("mock")
	}
}

func engineOptions(cfg config.EngineConfig) engine.Options {
	return engine.Options{
		MaxIterations: cfg.MaxIterations,
		MaxReplans:    cfg.MaxReplans,
		Workers:       cfg.Workers,
		MaxCycles:     cfg.MaxCycles,
		MaxModelCalls: cfg.MaxModelCalls,
	}
}
