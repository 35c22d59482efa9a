package dynamo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/snapshot"
)

const (
	// GSI1 orders every event item by global position. Head and counter
	// items carry no gsi1pk, so the index stays sparse.
	GSI1         = "GSI1"
	gsi1PK       = "EVENTS"
	counterKey   = "$log"
	headVersion  = 0
	timeLayout   = time.RFC3339Nano
	maxBatchSize = 99 // TransactWriteItems takes 100 items, one is the head
)

// eventItem is the DynamoDB item of one event.
type eventItem struct {
	Stream        string            `dynamodbav:"stream"`
	Version       int64             `dynamodbav:"version"`
	ID            string            `dynamodbav:"id"`
	StreamType    string            `dynamodbav:"stream_type"`
	Type          string            `dynamodbav:"type"`
	SchemaVersion int               `dynamodbav:"schema_version"`
	Payload       string            `dynamodbav:"payload"`
	Metadata      map[string]string `dynamodbav:"metadata,omitempty"`
	RecordedAt    string            `dynamodbav:"recorded_at"`
	Position      int64             `dynamodbav:"position"`
	GSI1PK        string            `dynamodbav:"gsi1pk"`
	GSI1SK        int64             `dynamodbav:"gsi1sk"`
}

// headItem records the version of a stream. It shares the stream's partition
// at version 0.
type headItem struct {
	Stream    string `dynamodbav:"stream"`
	Version   int64  `dynamodbav:"version"`
	Head      int64  `dynamodbav:"head"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

type snapshotItem struct {
	Stream    string `dynamodbav:"stream"`
	Version   int64  `dynamodbav:"version"`
	State     []byte `dynamodbav:"state"`
	Checksum  string `dynamodbav:"checksum"`
	CreatedAt string `dynamodbav:"created_at"`
}

func toEventItem(evt eventlog.Event) eventItem {
	return eventItem{
		Stream:        evt.Stream,
		Version:       evt.Version,
		ID:            evt.ID.String(),
		StreamType:    evt.StreamType,
		Type:          evt.Type,
		SchemaVersion: evt.SchemaVersion,
		Payload:       string(evt.Payload),
		Metadata:      evt.Metadata,
		RecordedAt:    evt.RecordedAt.UTC().Format(timeLayout),
		Position:      evt.Position,
		GSI1PK:        gsi1PK,
		GSI1SK:        evt.Position,
	}
}

func (it eventItem) event() (eventlog.Event, error) {
	id, err := uuid.Parse(it.ID)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("parse event id %q: %w", it.ID, err)
	}
	recordedAt, err := time.Parse(timeLayout, it.RecordedAt)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("parse recorded_at %q: %w", it.RecordedAt, err)
	}
	return eventlog.Event{
		ID:            id,
		Stream:        it.Stream,
		StreamType:    it.StreamType,
		Version:       it.Version,
		Position:      it.Position,
		Type:          it.Type,
		SchemaVersion: it.SchemaVersion,
		Payload:       json.RawMessage(it.Payload),
		Metadata:      it.Metadata,
		RecordedAt:    recordedAt.UTC(),
	}, nil
}

// UnmarshalEvent converts an event item, as read from the table or from a
// stream image, into an Event.
func UnmarshalEvent(item map[string]types.AttributeValue) (eventlog.Event, error) {
	var it eventItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return eventlog.Event{}, fmt.Errorf("unmarshal event item: %w", err)
	}
	return it.event()
}

// IsEventItem reports whether item is an event rather than a head or counter item.
func IsEventItem(item map[string]types.AttributeValue) bool {
	pk, ok := item["gsi1pk"].(*types.AttributeValueMemberS)
	return ok && pk.Value == gsi1PK
}

func unmarshalEvents(items []map[string]types.AttributeValue) ([]eventlog.Event, error) {
	events := make([]eventlog.Event, 0, len(items))
	for _, item := range items {
		evt, err := UnmarshalEvent(item)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func toSnapshotItem(snap snapshot.Snapshot) snapshotItem {
	return snapshotItem{
		Stream:    snap.Stream,
		Version:   snap.Version,
		State:     snap.State,
		Checksum:  snap.Checksum,
		CreatedAt: snap.CreatedAt.UTC().Format(timeLayout),
	}
}

func (it snapshotItem) snapshot() (snapshot.Snapshot, error) {
	createdAt, err := time.Parse(timeLayout, it.CreatedAt)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("parse created_at %q: %w", it.CreatedAt, err)
	}
	return snapshot.Snapshot{
		Stream:    it.Stream,
		Version:   it.Version,
		State:     it.State,
		Checksum:  it.Checksum,
		CreatedAt: createdAt.UTC(),
	}, nil
}

func streamKey(stream string, version int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"stream":  &types.AttributeValueMemberS{Value: stream},
		"version": number(version),
	}
}

func number(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
