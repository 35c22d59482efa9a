package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUpcasterExists is returned when registering a second migration for the
// same event type and schema version.
var ErrUpcasterExists = errors.New("upcaster already registered")

// UpcastFunc migrates a payload from one schema version to the next.
type UpcastFunc func(payload json.RawMessage) (json.RawMessage, error)

type upcastKey struct {
	eventType string
	from      int
}

type upcastStep struct {
	to int
	fn UpcastFunc
}

// Upcasters is an explicit registry of payload migrations keyed by
// (event type, schema version). Register everything before the registry is
// shared; lookups are then safe for concurrent use.
type Upcasters struct {
	steps map[upcastKey]upcastStep
}

// NewUpcasters creates an empty registry.
func NewUpcasters() *Upcasters {
	return &Upcasters{steps: make(map[upcastKey]upcastStep)}
}

// Register adds a migration of eventType payloads from schema version from to to.
func (u *Upcasters) Register(eventType string, from, to int, fn UpcastFunc) error {
	if to <= from {
		return fmt.Errorf("upcast %s: target version %d must be greater than %d", eventType, to, from)
	}
	if fn == nil {
		return fmt.Errorf("upcast %s v%d: function is required", eventType, from)
	}
	key := upcastKey{eventType: eventType, from: from}
	if _, ok := u.steps[key]; ok {
		return fmt.Errorf("%w: %s v%d", ErrUpcasterExists, eventType, from)
	}
	u.steps[key] = upcastStep{to: to, fn: fn}
	return nil
}

// Upcast applies registered migrations until the event's schema version has
// no further step. Events without migrations are returned unchanged.
func (u *Upcasters) Upcast(evt Event) (Event, error) {
	if u == nil {
		return evt, nil
	}
	for {
		step, ok := u.steps[upcastKey{eventType: evt.Type, from: evt.SchemaVersion}]
		if !ok {
			return evt, nil
		}
		payload, err := step.fn(evt.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("upcast %s v%d to v%d: %w", evt.Type, evt.SchemaVersion, step.to, err)
		}
		evt.Payload = payload
		evt.SchemaVersion = step.to
	}
}

// Decode unmarshals the payload into v, matching fields by name and type.
// Unknown fields are rejected so schema drift surfaces instead of being
// silently dropped; register an upcaster to migrate old shapes.
func Decode(evt Event, v any) error {
	dec := json.NewDecoder(bytes.NewReader(evt.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s v%d payload: %w", evt.Type, evt.SchemaVersion, err)
	}
	return nil
}
