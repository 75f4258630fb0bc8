package kkt

import (
	"context"
	"sync"
)

// MockDriver is a deterministic, in-memory Driver used by the test suite
// and local development in place of physical printer hardware, which this
// repo treats as an opaque external collaborator (spec.md §1).
type MockDriver struct {
	mu      sync.Mutex
	outcome Outcome
	err     error
	calls   int
}

// NewMockDriver returns a MockDriver that answers every Print with OK.
func NewMockDriver() *MockDriver {
	return &MockDriver{outcome: OK}
}

// SetResponse configures the outcome/error returned by every subsequent
// Print call.
func (m *MockDriver) SetResponse(outcome Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome, m.err = outcome, err
}

func (m *MockDriver) Print(ctx context.Context, payload []byte) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.outcome, m.err
}

// Calls reports how many times Print has been invoked.
func (m *MockDriver) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
