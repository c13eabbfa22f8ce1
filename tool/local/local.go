// Package local provides the built-in tool provider with direct network
// capabilities: TCP port scanning, HTTP requests and DNS lookups.
package local

import (
	"github.com/probemesh/probemesh/tool"
)

// ProviderName identifies the built-in provider in the registry.
const ProviderName = "local"

// NewProvider assembles the built-in tool set.
func NewProvider(opts ...Option) *tool.StaticProvider {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return tool.NewStaticProvider(ProviderName,
		newPortScanTool(cfg),
		newHTTPRequestTool(cfg),
		newDNSLookupTool(cfg),
	)
}

// Option customizes the built-in tools.
type Option func(*config)

type config struct {
	scanConcurrency int
	maxBodyBytes    int64
}

func defaultConfig() *config {
	return &config{
		scanConcurrency: 50,
		maxBodyBytes:    64 << 10,
	}
}

// WithScanConcurrency bounds how many ports are probed in parallel.
func WithScanConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.scanConcurrency = n
		}
	}
}

// WithMaxBodyBytes caps how much of an HTTP response body is returned.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}
