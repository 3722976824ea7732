package medium

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockMedium is a mock implementation of Medium for testing.
// It records every lock and abandon call and can be told to fail them.
type MockMedium struct {
	mu sync.Mutex

	id     uuid.UUID
	name   string
	parent Medium
	state  State

	lockErr    error
	abandonErr error

	calls []string
	held  int
}

// NewMockMedium creates a new MockMedium in StateCreated
func NewMockMedium(name string) *MockMedium {
	return &MockMedium{
		id:    uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		name:  name,
		state: StateCreated,
	}
}

// SetParent sets the parent medium (test helper)
func (m *MockMedium) SetParent(parent Medium) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parent = parent
}

// SetState sets the reported state (test helper)
func (m *MockMedium) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// FailLock makes every subsequent LockRead/LockWrite fail with err (nil clears)
func (m *MockMedium) FailLock(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockErr = err
}

// FailAbandon makes every subsequent token Abandon fail with err (nil clears).
// The token is still released.
func (m *MockMedium) FailAbandon(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandonErr = err
}

// Calls returns the recorded call history
func (m *MockMedium) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// LockAttempts returns how many LockRead/LockWrite calls were made
func (m *MockMedium) LockAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == "LockRead" || c == "LockWrite" {
			n++
		}
	}
	return n
}

// Held returns the number of tokens currently outstanding
func (m *MockMedium) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// ResetCalls clears the call history (test helper)
func (m *MockMedium) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// ID implements Medium
func (m *MockMedium) ID() uuid.UUID {
	return m.id
}

// Name implements Medium
func (m *MockMedium) Name() string {
	return m.name
}

// Parent implements Medium
func (m *MockMedium) Parent() Medium {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent
}

// State implements Medium
func (m *MockMedium) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LockRead implements Medium
func (m *MockMedium) LockRead() (Token, error) {
	return m.lock("LockRead")
}

// LockWrite implements Medium
func (m *MockMedium) LockWrite() (Token, error) {
	return m.lock("LockWrite")
}

func (m *MockMedium) lock(call string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call)
	if m.lockErr != nil {
		return nil, fmt.Errorf("%s %s: %w", call, m.name, m.lockErr)
	}
	m.held++
	return &mockToken{m: m}, nil
}

type mockToken struct {
	m        *MockMedium
	released bool
}

// Abandon implements Token
func (t *mockToken) Abandon() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	t.m.calls = append(t.m.calls, "Abandon")
	if !t.released {
		t.released = true
		t.m.held--
	}
	return t.m.abandonErr
}
