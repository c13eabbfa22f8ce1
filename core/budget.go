package core

import (
	"fmt"
	"sync"
)

// CallBudget enforces a maximum number of completion-service calls per run.
// Exhausting it is a hard failure, distinct from normal completion.
type CallBudget struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewCallBudget creates a budget of max calls. max == 0 means unlimited.
func NewCallBudget(max int) *CallBudget {
	return &CallBudget{max: max}
}

// Spend consumes one call and returns an error once the budget is exceeded.
func (b *CallBudget) Spend() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count++
	if b.max > 0 && b.count > b.max {
		return fmt.Errorf("exceeded max model calls: %d", b.max)
	}
	return nil
}

// Count returns the number of calls made so far.
func (b *CallBudget) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Remaining returns the calls left, or -1 when unlimited.
func (b *CallBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max == 0 {
		return -1
	}
	return b.max - b.count
}
