package kinesis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "6f1c2a4e-0b7d-4c52-9a51-3f0e8f1d2c11"

func eventImage(id, position string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"stream":         events.NewStringAttribute("order-456"),
		"version":        events.NewNumberAttribute("2"),
		"id":             events.NewStringAttribute(id),
		"stream_type":    events.NewStringAttribute("order"),
		"type":           events.NewStringAttribute("OrderPaid"),
		"schema_version": events.NewNumberAttribute("1"),
		"payload":        events.NewStringAttribute(`{"order_id":"456"}`),
		"metadata": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"correlation_id": events.NewStringAttribute("c-1"),
		}),
		"recorded_at": events.NewStringAttribute("2024-01-15T10:30:00.123456789Z"),
		"position":    events.NewNumberAttribute(position),
		"gsi1pk":      events.NewStringAttribute(eventMarker),
		"gsi1sk":      events.NewNumberAttribute(position),
	}
}

func kinesisRecord(t *testing.T, eventID string, record events.DynamoDBEventRecord) events.KinesisEventRecord {
	t.Helper()
	data, err := json.Marshal(record)
	require.NoError(t, err)
	return events.KinesisEventRecord{EventID: eventID, Kinesis: events.KinesisRecord{Data: data}}
}

func TestConvertDynamoDBImage(t *testing.T) {
	tests := []struct {
		name    string
		image   map[string]events.DynamoDBAttributeValue
		wantErr bool
	}{
		{name: "valid event", image: eventImage(testID, "17")},
		{name: "nil image", image: nil, wantErr: true},
		{
			name:    "missing required fields",
			image:   map[string]events.DynamoDBAttributeValue{"id": events.NewStringAttribute(testID)},
			wantErr: true,
		},
		{name: "invalid id", image: eventImage("event-123", "17"), wantErr: true},
		{name: "invalid position", image: eventImage(testID, "1.5"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := convertDynamoDBImage(tt.image)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, evt)
			assert.Equal(t, uuid.MustParse(testID), evt.ID)
			assert.Equal(t, "order-456", evt.Stream)
			assert.Equal(t, "order", evt.StreamType)
			assert.Equal(t, "OrderPaid", evt.Type)
			assert.Equal(t, int64(2), evt.Version)
			assert.Equal(t, int64(17), evt.Position)
			assert.Equal(t, 1, evt.SchemaVersion)
			assert.JSONEq(t, `{"order_id":"456"}`, string(evt.Payload))
			assert.Equal(t, map[string]string{"correlation_id": "c-1"}, evt.Metadata)
			assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC), evt.RecordedAt)
		})
	}
}

func TestConvertFromDynamoDBStreamRecord(t *testing.T) {
	t.Run("INSERT event converts successfully", func(t *testing.T) {
		record := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change:    events.DynamoDBStreamRecord{NewImage: eventImage(testID, "3")},
		}

		evt, err := ConvertFromDynamoDBStreamRecord(record)
		require.NoError(t, err)
		require.NotNil(t, evt)
		assert.Equal(t, int64(3), evt.Position)
	})

	t.Run("stream head insert returns nil", func(t *testing.T) {
		record := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change: events.DynamoDBStreamRecord{NewImage: map[string]events.DynamoDBAttributeValue{
				"stream":  events.NewStringAttribute("order-456"),
				"version": events.NewNumberAttribute("0"),
				"head":    events.NewNumberAttribute("1"),
			}},
		}

		evt, err := ConvertFromDynamoDBStreamRecord(record)
		require.NoError(t, err)
		assert.Nil(t, evt)
	})

	for _, name := range []string{"MODIFY", "REMOVE"} {
		t.Run(name+" event returns nil", func(t *testing.T) {
			evt, err := ConvertFromDynamoDBStreamRecord(events.DynamoDBEventRecord{EventName: name})
			require.NoError(t, err)
			assert.Nil(t, evt)
		})
	}
}

func TestConvertFromKinesisRecord(t *testing.T) {
	record := kinesisRecord(t, "kinesis-event-1", events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change:    events.DynamoDBStreamRecord{NewImage: eventImage(testID, "5")},
	})

	evt, err := ConvertFromKinesisRecord(record)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, uuid.MustParse(testID), evt.ID)
	assert.Equal(t, int64(5), evt.Position)
}
