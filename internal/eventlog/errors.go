package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict matches every *ConflictError via errors.Is.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStreamNotFound is returned when reading a stream that was never appended to.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrInvalidStream indicates an empty stream key.
	ErrInvalidStream = errors.New("stream key is required")
)

// ConflictError reports that a stream was not at the expected version.
type ConflictError struct {
	Stream   string
	Expected ExpectedVersion
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: expected %s, actual %d", e.Stream, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
