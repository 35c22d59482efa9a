package projection

import (
	"errors"
	"fmt"

	"github.com/example/whizbang/internal/eventlog"
)

var (
	// ErrProjectionApplyFailed matches every *ApplyError via errors.Is.
	ErrProjectionApplyFailed = errors.New("projection apply failed")

	ErrUnknownProjection = errors.New("unknown projection")
	ErrDuplicate         = errors.New("projection already registered")
	ErrAlreadyRunning    = errors.New("projection already running")
	// ErrStoreShared is returned when two projections on one read-model
	// store claim the same collections, so a rebuild of one would replace
	// the other's documents.
	ErrStoreShared = errors.New("read-model collections already owned by another projection")
	// ErrFailed is returned when starting a projection that is stuck in
	// Failed; Restart it first.
	ErrFailed = errors.New("projection is failed")
)

// ApplyError reports the event a projection could not apply. The
// projection's checkpoint stays before Event.
type ApplyError struct {
	Projection string
	Event      eventlog.Event
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("projection %s failed at %s (position %d): %v", e.Projection, e.Event, e.Event.Position, e.Err)
}

// Is makes errors.Is(err, ErrProjectionApplyFailed) hold.
func (e *ApplyError) Is(target error) bool {
	return target == ErrProjectionApplyFailed
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
