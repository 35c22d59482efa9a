package eventlog

import "fmt"

// ExpectedVersion is the caller's expectation about a stream's current version
// when appending.
type ExpectedVersion struct {
	value int64
}

const (
	expectedVersionAny      = -1
	expectedVersionNoStream = -2
)

// Any skips version validation.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream requires that the stream has never been appended to.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// Exact requires the stream to be at exactly version. Exact(0) is equivalent
// to NoStream.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// IsAny reports whether no version check is performed.
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsNoStream reports whether the stream must not exist.
func (ev ExpectedVersion) IsNoStream() bool {
	return ev.value == expectedVersionNoStream
}

// IsExact reports whether a concrete version is expected.
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the concrete version, or 0 for Any and NoStream.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return 0
}

// Check compares the expectation with the stream's current version and returns
// a *ConflictError on mismatch.
func (ev ExpectedVersion) Check(stream string, current int64) error {
	switch {
	case ev.IsAny():
		return nil
	case ev.IsNoStream():
		if current != 0 {
			return &ConflictError{Stream: stream, Expected: ev, Actual: current}
		}
		return nil
	default:
		if current != ev.value {
			return &ConflictError{Stream: stream, Expected: ev, Actual: current}
		}
		return nil
	}
}

// String implements fmt.Stringer.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	if ev.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
