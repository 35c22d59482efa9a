package dynamo

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/snapshot"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 42, time.UTC)

func testEvent() eventlog.Event {
	return eventlog.Event{
		ID:            uuid.MustParse("6f1c2a4e-0b7d-4c52-9a51-3f0e8f1d2c11"),
		Stream:        "order-1",
		StreamType:    "order",
		Version:       3,
		Position:      17,
		Type:          "OrderShipped",
		SchemaVersion: 2,
		Payload:       json.RawMessage(`{"order_id":"1"}`),
		Metadata:      map[string]string{"correlation_id": "c-1"},
		RecordedAt:    testTime,
	}
}

func TestEventItem_RoundTrip(t *testing.T) {
	evt := testEvent()
	av, err := attributevalue.MarshalMap(toEventItem(evt))
	require.NoError(t, err)

	assert.True(t, IsEventItem(av))
	assert.Equal(t, &types.AttributeValueMemberN{Value: "17"}, av["gsi1sk"])

	got, err := UnmarshalEvent(av)
	require.NoError(t, err)
	assert.Equal(t, evt, got)
}

func TestIsEventItem_HeadItem(t *testing.T) {
	av, err := attributevalue.MarshalMap(headItem{Stream: "order-1", Version: headVersion, Head: 3})
	require.NoError(t, err)
	assert.False(t, IsEventItem(av))
}

func TestUnmarshalEvent_InvalidID(t *testing.T) {
	item := toEventItem(testEvent())
	item.ID = "not-a-uuid"
	av, err := attributevalue.MarshalMap(item)
	require.NoError(t, err)

	_, err = UnmarshalEvent(av)
	assert.Error(t, err)
}

func TestAppendInput_Conditions(t *testing.T) {
	log := NewEventLog(nil, "events")
	evt := testEvent()

	t.Run("new stream", func(t *testing.T) {
		input, err := log.appendInput("order-1", 0, testTime, []eventlog.Event{evt})
		require.NoError(t, err)
		require.Len(t, input.TransactItems, 2)

		head := input.TransactItems[0].Put
		assert.Equal(t, "attribute_not_exists(stream)", aws.ToString(head.ConditionExpression))
		assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, head.Item["head"])

		put := input.TransactItems[1].Put
		assert.Equal(t, "attribute_not_exists(stream)", aws.ToString(put.ConditionExpression))
		assert.Equal(t, "events", aws.ToString(put.TableName))
	})

	t.Run("existing stream", func(t *testing.T) {
		input, err := log.appendInput("order-1", 2, testTime, []eventlog.Event{evt})
		require.NoError(t, err)

		head := input.TransactItems[0].Put
		assert.Equal(t, "head = :prev", aws.ToString(head.ConditionExpression))
		assert.Equal(t, &types.AttributeValueMemberN{Value: "2"}, head.ExpressionAttributeValues[":prev"])
		assert.Equal(t, &types.AttributeValueMemberN{Value: "3"}, head.Item["head"])
	})
}

func TestIsConditionFailure(t *testing.T) {
	cancelled := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}
	throttled := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ThrottlingError")}},
	}

	assert.True(t, isConditionFailure(cancelled))
	assert.True(t, isConditionFailure(fmt.Errorf("write: %w", cancelled)))
	assert.True(t, isConditionFailure(&types.ConditionalCheckFailedException{}))
	assert.False(t, isConditionFailure(throttled))
	assert.False(t, isConditionFailure(errors.New("boom")))
}

func TestSnapshotItem_RoundTrip(t *testing.T) {
	snap := snapshot.New("order-1", 10, []byte(`{"status":"Paid"}`), testTime)
	av, err := attributevalue.MarshalMap(toSnapshotItem(snap))
	require.NoError(t, err)

	var it snapshotItem
	require.NoError(t, attributevalue.UnmarshalMap(av, &it))
	got, err := it.snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap, got)
	assert.NoError(t, got.Verify())
}

func TestDeleteRequests_Batches(t *testing.T) {
	versions := make([]int64, 30)
	for i := range versions {
		versions[i] = int64(i + 1)
	}

	batches := deleteRequests("snapshots", "order-1", versions)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0]["snapshots"], batchWriteLimit)
	assert.Len(t, batches[1]["snapshots"], 5)
	assert.Equal(t, streamKey("order-1", 26), batches[1]["snapshots"][0].DeleteRequest.Key)

	assert.Empty(t, deleteRequests("snapshots", "order-1", nil))
}
