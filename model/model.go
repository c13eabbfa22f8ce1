package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Message is one turn of prior conversation history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request captures the normalized completion input produced by engines.
type Request struct {
	System  string    `json:"system"`
	Prompt  string    `json:"prompt"`
	History []Message `json:"history,omitempty"`
}

// TokenUsage captures token statistics for a response when available.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) event emitted by a streaming completion.
type Response struct {
	Delta string      `json:"delta"`
	Done  bool        `json:"done"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Model is the completion-service contract every engine depends on.
//
// Complete performs one opaque single-turn completion. Stream emits delta
// events followed by a Done event; both are fallible with distinguishable
// timeout/error kinds (see Error).
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrorKind classifies completion-service failures.
type ErrorKind int

const (
	// ErrorKindProvider is a generic upstream failure.
	ErrorKindProvider ErrorKind = iota
	// ErrorKindTimeout marks a deadline or cancellation surfaced by the SDK.
	ErrorKindTimeout
	// ErrorKindRateLimited marks provider throttling.
	ErrorKindRateLimited
)

// Error wraps a provider failure with its classification.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrorKindTimeout:
		return fmt.Sprintf("%s completion timed out: %v", e.Provider, e.Err)
	case ErrorKindRateLimited:
		return fmt.Sprintf("%s rate limited: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// WrapError classifies err for a provider. Context deadline and cancellation
// map to the timeout kind so callers can distinguish slow backends.
func WrapError(provider string, err error) *Error {
	kind := ErrorKindProvider
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = ErrorKindTimeout
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// IsTimeout reports whether err is a completion timeout.
func IsTimeout(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == ErrorKindTimeout
}

// MockModel is a lightweight in-memory Model useful for tests and examples.
// Responses can be scripted as an ordered queue, keyed by prompt substring,
// or produced by a hook inspecting the full request.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	queue     []string
	responses map[string]string
	hook      func(Request) (string, error)
	err       error
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// Enqueue appends completions served in order before any keyed lookup.
func (m *MockModel) Enqueue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// AddResponse registers a completion returned when the prompt contains key.
func (m *MockModel) AddResponse(key, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = response
}

// SetHook installs a function that computes every completion.
func (m *MockModel) SetHook(hook func(Request) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Fail makes every subsequent call return err.
func (m *MockModel) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns a copy of every request seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many completions were requested.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Complete implements Model.
func (m *MockModel) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", WrapError("mock", err)
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return "", err
	}
	hook := m.hook
	if hook != nil {
		m.mu.Unlock()
		return hook(req)
	}
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return resp, nil
	}
	for key, resp := range m.responses {
		if strings.Contains(req.Prompt, key) {
			m.mu.Unlock()
			return resp, nil
		}
	}
	m.mu.Unlock()
	return "", &Error{Kind: ErrorKindProvider, Provider: "mock", Err: fmt.Errorf("no canned response for prompt")}
}

// Stream implements Model by chunking the Complete result into word deltas.
func (m *MockModel) Stream(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		full, err := m.Complete(ctx, req)
		if err != nil {
			errCh <- err
			return
		}
		for _, word := range strings.SplitAfter(full, " ") {
			select {
			case <-ctx.Done():
				errCh <- WrapError("mock", ctx.Err())
				return
			case out <- Response{Delta: word}:
			}
		}
		out <- Response{Done: true}
	}()
	return out, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
