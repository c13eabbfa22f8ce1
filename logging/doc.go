// Package logging provides a minimal logging interface and adapters for ProbeMesh.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that engines, the tool router and the dispatchers use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RunLogger with execution/component context cloning and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	d := dispatch.New(deps, dispatch.WithLogger(logger))
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging
