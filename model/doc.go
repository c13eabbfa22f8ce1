// Package model abstracts the language-model completion service behind a
// minimal interface with single-turn and streaming generation. Engines treat
// the service as opaque; provider adapters live in the anthropic and openai
// subpackages. A completion-service failure is fatal to the current run, so
// errors carry a distinguishable kind (timeout, rate limit, provider).
package model
