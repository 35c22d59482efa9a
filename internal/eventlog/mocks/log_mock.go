package mocks

import (
	"context"
	"sync"

	"github.com/example/whizbang/internal/eventlog"
)

// MockLog is a scriptable eventlog.Log for testing. Unscripted calls fall
// through to an in-memory log.
type MockLog struct {
	*eventlog.MemoryLog

	mu sync.Mutex

	// For tracking calls in tests
	AppendCalls []AppendCall
	EventsRead  int

	// AppendErrs are returned, in order, by the next Append calls before
	// falling through to the in-memory log.
	AppendErrs []error

	// AppendCallback, when set, replaces the in-memory append.
	AppendCallback func(ctx context.Context, stream string, expected eventlog.ExpectedVersion, events []eventlog.EventData) (int64, error)

	// AfterRead, when set, runs once the next Read sequence is exhausted and
	// is then cleared.
	AfterRead func()
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	Stream   string
	Expected eventlog.ExpectedVersion
	Events   []eventlog.EventData
}

// NewMockLog creates a new MockLog
func NewMockLog(opts ...eventlog.MemoryOption) *MockLog {
	return &MockLog{MemoryLog: eventlog.NewMemoryLog(opts...)}
}

// Append records the call and applies scripted errors.
func (m *MockLog) Append(ctx context.Context, stream string, expected eventlog.ExpectedVersion, events []eventlog.EventData) (int64, error) {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, AppendCall{Stream: stream, Expected: expected, Events: events})
	if len(m.AppendErrs) > 0 {
		err := m.AppendErrs[0]
		m.AppendErrs = m.AppendErrs[1:]
		m.mu.Unlock()
		return 0, err
	}
	callback := m.AppendCallback
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, stream, expected, events)
	}
	return m.MemoryLog.Append(ctx, stream, expected, events)
}

// Read counts every event yielded so tests can assert replay cost.
func (m *MockLog) Read(ctx context.Context, stream string, from, to int64) eventlog.Sequence {
	inner := m.MemoryLog.Read(ctx, stream, from, to)
	return func(yield func(eventlog.Event, error) bool) {
		for evt, err := range inner {
			if err == nil {
				m.mu.Lock()
				m.EventsRead++
				m.mu.Unlock()
			}
			if !yield(evt, err) {
				return
			}
		}
		m.mu.Lock()
		after := m.AfterRead
		m.AfterRead = nil
		m.mu.Unlock()
		if after != nil {
			after()
		}
	}
}

// Calls returns the number of Append calls recorded so far.
func (m *MockLog) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AppendCalls)
}

// ResetCounters clears recorded calls and read counts.
func (m *MockLog) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls = nil
	m.EventsRead = 0
}
