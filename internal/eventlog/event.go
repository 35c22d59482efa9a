// Package eventlog provides append-only, versioned storage of events per stream.
// It is the source of truth every projection and snapshot is replayed from.
package eventlog

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record owned by the log once appended.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Stream     string            `json:"stream"`
	StreamType string            `json:"stream_type"`
	Version    int64             `json:"version"`  // 1-based, gapless within a stream
	Position   int64             `json:"position"` // global order across streams, assigned at commit
	Type       string            `json:"type"`
	// SchemaVersion is the version of the payload shape; upcasters migrate older shapes.
	SchemaVersion int               `json:"schema_version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// String implements fmt.Stringer.
func (e Event) String() string {
	return fmt.Sprintf("%s/%s@%d", e.Stream, e.Type, e.Version)
}

// EventData is an event proposed for append. Version and position are
// assigned by the log.
type EventData struct {
	ID            uuid.UUID
	Type          string
	SchemaVersion int
	Payload       json.RawMessage
	Metadata      map[string]string
}

// NewEventData marshals payload to JSON and wraps it as EventData with a fresh ID.
func NewEventData(eventType string, payload any) (EventData, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EventData{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return EventData{
		ID:            uuid.New(),
		Type:          eventType,
		SchemaVersion: 1,
		Payload:       data,
	}, nil
}

// MustEventData is NewEventData for payloads that cannot fail to marshal.
func MustEventData(eventType string, payload any) EventData {
	data, err := NewEventData(eventType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// StreamTypeOf derives the stream type from a stream key: the part before the
// first '-', so "order-1" has type "order". Keys without '-' are their own type.
func StreamTypeOf(stream string) string {
	if i := strings.IndexByte(stream, '-'); i > 0 {
		return stream[:i]
	}
	return stream
}

// Materialize turns proposed events into Events for stream, numbering versions
// from fromVersion+1. Positions are left for the storage engine to assign.
func Materialize(stream string, fromVersion int64, recordedAt time.Time, data []EventData) []Event {
	events := make([]Event, len(data))
	streamType := StreamTypeOf(stream)
	for i, d := range data {
		id := d.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		schema := d.SchemaVersion
		if schema == 0 {
			schema = 1
		}
		payload := d.Payload
		if payload == nil {
			payload = json.RawMessage("null")
		}
		events[i] = Event{
			ID:            id,
			Stream:        stream,
			StreamType:    streamType,
			Version:       fromVersion + int64(i) + 1,
			Type:          d.Type,
			SchemaVersion: schema,
			Payload:       append(json.RawMessage(nil), payload...),
			Metadata:      maps.Clone(d.Metadata),
			RecordedAt:    recordedAt,
		}
	}
	return events
}

// ValidateAppend performs the checks every adapter runs before touching storage.
func ValidateAppend(stream string, events []EventData) error {
	if strings.TrimSpace(stream) == "" {
		return ErrInvalidStream
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	for i, e := range events {
		if strings.TrimSpace(e.Type) == "" {
			return fmt.Errorf("event %d: event type is required", i)
		}
	}
	return nil
}
