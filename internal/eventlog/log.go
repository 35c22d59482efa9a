package eventlog

import (
	"context"
	"iter"
	"math"
	"time"
)

// ToEnd reads a stream up to its current head.
const ToEnd int64 = math.MaxInt64

// Sequence is a lazy, finite and restartable run of events. Ranging over it
// again re-reads from storage.
type Sequence = iter.Seq2[Event, error]

// StreamHead describes the current tip of a stream. A stream that was never
// appended to has Version 0.
type StreamHead struct {
	Stream    string
	Version   int64
	UpdatedAt time.Time
}

// Appender appends events with optimistic-append semantics.
type Appender interface {
	// Append atomically appends events to stream. All events succeed or none do.
	// It returns the stream's new version, or a *ConflictError when expected
	// does not match the stream's current version.
	Append(ctx context.Context, stream string, expected ExpectedVersion, events []EventData) (int64, error)
}

// Reader reads committed events.
type Reader interface {
	// Read returns the events of stream with from <= version <= to.
	// The sequence yields ErrStreamNotFound when the stream has never been
	// appended to and from is not 0.
	Read(ctx context.Context, stream string, from, to int64) Sequence

	// ReadAll returns up to limit events with Position >= from, across all
	// streams, ordered by global position. A limit <= 0 means no limit.
	ReadAll(ctx context.Context, from int64, limit int) ([]Event, error)

	// Head returns the current tip of stream.
	Head(ctx context.Context, stream string) (StreamHead, error)

	// LastPosition returns the highest committed global position, 0 when empty.
	LastPosition(ctx context.Context) (int64, error)
}

// Log is the full event log contract.
type Log interface {
	Appender
	Reader
}

// Signal is implemented by logs and notifiers that can wake tailing consumers.
// The returned channel is closed after the next append commits.
type Signal interface {
	Wait() <-chan struct{}
}

// Collect drains a sequence into a slice.
func Collect(seq Sequence) ([]Event, error) {
	var events []Event
	for evt, err := range seq {
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// Failed returns a sequence that yields err once. Adapters use it to report
// errors detected before iteration starts.
func Failed(err error) Sequence {
	return func(yield func(Event, error) bool) {
		yield(Event{}, err)
	}
}

// NormalizeRange clamps from to the 1-based stream numbering.
func NormalizeRange(from, to int64) (int64, int64) {
	if from < 1 {
		from = 1
	}
	return from, to
}
