package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/whizbang/internal/snapshot"
)

// batchWriteLimit is the maximum number of requests in one BatchWriteItem.
const batchWriteLimit = 25

// SnapshotStore is a snapshot.Store on a table keyed by (stream, version).
type SnapshotStore struct {
	client Client
	table  string
}

// NewSnapshotStore returns a snapshot store on table.
func NewSnapshotStore(client Client, table string) *SnapshotStore {
	return &SnapshotStore{client: client, table: table}
}

// Save implements snapshot.Store. Saving the same version again overwrites it.
func (s *SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	av, err := attributevalue.MarshalMap(toSnapshotItem(snap))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", snap.Stream, snap.Version, err)
	}
	return nil
}

// GetLatestBefore implements snapshot.Store.
func (s *SnapshotStore) GetLatestBefore(ctx context.Context, stream string, maxVersion int64) (snapshot.Snapshot, bool, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("stream = :s AND version <= :max"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":   &types.AttributeValueMemberS{Value: stream},
			":max": number(maxVersion),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("get snapshot of %s: %w", stream, err)
	}
	if len(out.Items) == 0 {
		return snapshot.Snapshot{}, false, nil
	}
	var it snapshotItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	snap, err := it.snapshot()
	if err != nil {
		return snapshot.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Prune implements snapshot.Store.
func (s *SnapshotStore) Prune(ctx context.Context, stream string, keepLast int) error {
	if keepLast < 0 {
		return snapshot.ErrInvalidKeep
	}

	var stale []int64
	kept := 0
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("stream = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: stream},
		},
		ProjectionExpression: aws.String("version"),
		ScanIndexForward:     aws.Bool(false),
		ConsistentRead:       aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list snapshots of %s: %w", stream, err)
		}
		for _, item := range page.Items {
			if kept < keepLast {
				kept++
				continue
			}
			var key struct {
				Version int64 `dynamodbav:"version"`
			}
			if err := attributevalue.UnmarshalMap(item, &key); err != nil {
				return fmt.Errorf("unmarshal snapshot key: %w", err)
			}
			stale = append(stale, key.Version)
		}
	}

	for _, chunk := range deleteRequests(s.table, stream, stale) {
		pending := chunk
		for len(pending[s.table]) > 0 {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("prune snapshots of %s: %w", stream, err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

// deleteRequests groups deletes of the given versions into batches.
func deleteRequests(table, stream string, versions []int64) []map[string][]types.WriteRequest {
	var batches []map[string][]types.WriteRequest
	for start := 0; start < len(versions); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(versions))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, v := range versions[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: streamKey(stream, v)},
			})
		}
		batches = append(batches, map[string][]types.WriteRequest{table: requests})
	}
	return batches
}
