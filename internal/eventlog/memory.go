package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryLog is an in-memory event log. The mutex is the single serialization
// point for writers, so the expected-version check and the write are atomic.
type MemoryLog struct {
	mu      sync.RWMutex
	all     []Event            // ordered by Position; all[i].Position == i+1
	streams map[string][]int64 // stream -> positions
	heads   map[string]StreamHead
	signal  Broadcaster
	now     func() time.Time
	logger  zerolog.Logger
}

// MemoryOption configures a MemoryLog.
type MemoryOption func(*MemoryLog)

// WithClock overrides the clock used to stamp RecordedAt.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLog) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) MemoryOption {
	return func(l *MemoryLog) {
		l.logger = logger
	}
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{
		streams: make(map[string][]int64),
		heads:   make(map[string]StreamHead),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append implements Appender.
func (l *MemoryLog) Append(ctx context.Context, stream string, expected ExpectedVersion, events []EventData) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := ValidateAppend(stream, events); err != nil {
		return 0, err
	}

	l.mu.Lock()
	head := l.heads[stream]
	if err := expected.Check(stream, head.Version); err != nil {
		l.mu.Unlock()
		l.logger.Debug().
			Str("stream", stream).
			Str("expected", expected.String()).
			Int64("actual", head.Version).
			Msg("append rejected")
		return 0, err
	}

	recordedAt := l.now()
	materialized := Materialize(stream, head.Version, recordedAt, events)
	for i := range materialized {
		materialized[i].Position = int64(len(l.all)) + 1
		l.all = append(l.all, materialized[i])
		l.streams[stream] = append(l.streams[stream], materialized[i].Position)
	}
	newVersion := head.Version + int64(len(events))
	l.heads[stream] = StreamHead{Stream: stream, Version: newVersion, UpdatedAt: recordedAt}

	l.mu.Unlock()

	l.signal.Notify()
	l.logger.Debug().
		Str("stream", stream).
		Int64("version", newVersion).
		Int("count", len(events)).
		Msg("events appended")
	return newVersion, nil
}

// Read implements Reader.
func (l *MemoryLog) Read(ctx context.Context, stream string, from, to int64) Sequence {
	return func(yield func(Event, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		l.mu.RLock()
		positions, ok := l.streams[stream]
		if !ok && from != 0 {
			l.mu.RUnlock()
			yield(Event{}, ErrStreamNotFound)
			return
		}
		lo, hi := NormalizeRange(from, to)
		var events []Event
		for _, pos := range positions {
			evt := l.all[pos-1]
			if evt.Version < lo || evt.Version > hi {
				continue
			}
			events = append(events, evt)
		}
		l.mu.RUnlock()

		for _, evt := range events {
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// ReadAll implements Reader.
func (l *MemoryLog) ReadAll(ctx context.Context, from int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if from > int64(len(l.all)) {
		return nil, nil
	}
	end := int64(len(l.all))
	if limit > 0 && from-1+int64(limit) < end {
		end = from - 1 + int64(limit)
	}
	events := make([]Event, end-(from-1))
	copy(events, l.all[from-1:end])
	return events, nil
}

// Head implements Reader.
func (l *MemoryLog) Head(ctx context.Context, stream string) (StreamHead, error) {
	if err := ctx.Err(); err != nil {
		return StreamHead{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	head, ok := l.heads[stream]
	if !ok {
		return StreamHead{Stream: stream}, nil
	}
	return head, nil
}

// LastPosition implements Reader.
func (l *MemoryLog) LastPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.all)), nil
}

// Wait implements Signal.
func (l *MemoryLog) Wait() <-chan struct{} {
	return l.signal.Wait()
}
