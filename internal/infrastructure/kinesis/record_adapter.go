package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/example/whizbang/internal/eventlog"
)

// eventMarker is the gsi1pk value carried by event items only; head and
// counter items of the same table are skipped.
const eventMarker = "EVENTS"

// ConvertFromKinesisRecord converts a Kinesis record (DynamoDB Streams format) to an Event.
// It returns nil for records that are not newly inserted events.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*eventlog.Event, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Stream record to an Event.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*eventlog.Event, error) {
	if record.EventName != "INSERT" {
		return nil, nil
	}
	image := record.Change.NewImage
	if marker, ok := image["gsi1pk"]; !ok || marker.DataType() != events.DataTypeString || marker.String() != eventMarker {
		return nil, nil
	}
	return convertDynamoDBImage(image)
}

// convertDynamoDBImage extracts an event item written by the dynamo event log.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*eventlog.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	evt := &eventlog.Event{}
	var id, recordedAt string
	if v, ok := image["id"]; ok {
		id = v.String()
	}
	if v, ok := image["stream"]; ok {
		evt.Stream = v.String()
	}
	if v, ok := image["stream_type"]; ok {
		evt.StreamType = v.String()
	}
	if v, ok := image["type"]; ok {
		evt.Type = v.String()
	}
	if v, ok := image["payload"]; ok {
		evt.Payload = json.RawMessage(v.String())
	}
	if v, ok := image["recorded_at"]; ok {
		recordedAt = v.String()
	}
	if v, ok := image["metadata"]; ok && v.DataType() == events.DataTypeMap {
		evt.Metadata = make(map[string]string, len(v.Map()))
		for key, value := range v.Map() {
			evt.Metadata[key] = value.String()
		}
	}

	for name, dst := range map[string]*int64{"version": &evt.Version, "position": &evt.Position} {
		v, ok := image[name]
		if !ok {
			continue
		}
		n, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		*dst = n
	}
	if v, ok := image["schema_version"]; ok {
		n, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema_version: %w", err)
		}
		evt.SchemaVersion = int(n)
	}

	if id == "" || evt.Stream == "" || evt.Type == "" || evt.Position == 0 {
		return nil, fmt.Errorf("missing required fields: id=%q, stream=%q, type=%q, position=%d",
			id, evt.Stream, evt.Type, evt.Position)
	}
	var err error
	if evt.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}
	if recordedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recorded_at: %w", err)
		}
		evt.RecordedAt = t.UTC()
	}
	return evt, nil
}
