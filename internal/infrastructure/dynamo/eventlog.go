package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/eventlog"
)

// ErrBatchTooLarge is returned for appends that do not fit one transaction.
var ErrBatchTooLarge = errors.New("append exceeds 99 events")

// EventLog is an eventlog.Log on one table keyed by (stream, version).
//
// Positions are reserved from a counter item before the conditional write,
// so a rejected append leaves a hole in the global order and GSI1 becomes
// visible out of order. Projections over this log need a positive GapSettle.
type EventLog struct {
	client Client
	table  string
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures an EventLog.
type Option func(*EventLog)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *EventLog) {
		l.logger = logger
	}
}

// WithClock overrides the clock used to stamp RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(l *EventLog) {
		l.now = now
	}
}

// NewEventLog returns an event log on table.
func NewEventLog(client Client, table string, opts ...Option) *EventLog {
	l := &EventLog{
		client: client,
		table:  table,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append implements eventlog.Appender. The head item is written with a
// condition on its previous version, so the expected-version check and the
// write commit together.
func (l *EventLog) Append(ctx context.Context, stream string, expected eventlog.ExpectedVersion, events []eventlog.EventData) (int64, error) {
	if err := eventlog.ValidateAppend(stream, events); err != nil {
		return 0, err
	}
	if len(events) > maxBatchSize {
		return 0, ErrBatchTooLarge
	}

	head, err := l.Head(ctx, stream)
	if err != nil {
		return 0, err
	}
	if err := expected.Check(stream, head.Version); err != nil {
		return 0, err
	}

	last, err := l.reserve(ctx, len(events))
	if err != nil {
		return 0, err
	}
	recordedAt := l.now()
	materialized := eventlog.Materialize(stream, head.Version, recordedAt, events)
	first := last - int64(len(events)) + 1
	for i := range materialized {
		materialized[i].Position = first + int64(i)
	}

	input, err := l.appendInput(stream, head.Version, recordedAt, materialized)
	if err != nil {
		return 0, err
	}
	if _, err := l.client.TransactWriteItems(ctx, input); err != nil {
		if isConditionFailure(err) {
			actual, herr := l.Head(ctx, stream)
			if herr != nil {
				return 0, fmt.Errorf("%w (reading head: %v)", &eventlog.ConflictError{Stream: stream, Expected: expected, Actual: head.Version}, herr)
			}
			return 0, &eventlog.ConflictError{Stream: stream, Expected: expected, Actual: actual.Version}
		}
		return 0, fmt.Errorf("write events: %w", err)
	}

	newVersion := head.Version + int64(len(events))
	l.logger.Debug().
		Str("stream", stream).
		Int64("version", newVersion).
		Int64("position", last).
		Msg("events appended")
	return newVersion, nil
}

func (l *EventLog) appendInput(stream string, prev int64, recordedAt time.Time, events []eventlog.Event) (*dynamodb.TransactWriteItemsInput, error) {
	newVersion := prev + int64(len(events))
	headAV, err := attributevalue.MarshalMap(headItem{
		Stream:    stream,
		Version:   headVersion,
		Head:      newVersion,
		UpdatedAt: recordedAt.UTC().Format(timeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stream head: %w", err)
	}

	headPut := &types.Put{
		TableName: aws.String(l.table),
		Item:      headAV,
	}
	if prev == 0 {
		headPut.ConditionExpression = aws.String("attribute_not_exists(stream)")
	} else {
		headPut.ConditionExpression = aws.String("head = :prev")
		headPut.ExpressionAttributeValues = map[string]types.AttributeValue{":prev": number(prev)}
	}

	items := []types.TransactWriteItem{{Put: headPut}}
	for _, evt := range events {
		av, err := attributevalue.MarshalMap(toEventItem(evt))
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(l.table),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(stream)"),
		}})
	}
	return &dynamodb.TransactWriteItemsInput{TransactItems: items}, nil
}

// reserve allocates n global positions and returns the last one.
func (l *EventLog) reserve(ctx context.Context, n int) (int64, error) {
	out, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(l.table),
		Key:                       streamKey(counterKey, headVersion),
		UpdateExpression:          aws.String("ADD #p :n"),
		ExpressionAttributeNames:  map[string]string{"#p": "position"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":n": number(int64(n))},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("reserve positions: %w", err)
	}
	var counter struct {
		Position int64 `dynamodbav:"position"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &counter); err != nil {
		return 0, fmt.Errorf("unmarshal position counter: %w", err)
	}
	return counter.Position, nil
}

// Read implements eventlog.Reader.
func (l *EventLog) Read(ctx context.Context, stream string, from, to int64) eventlog.Sequence {
	return func(yield func(eventlog.Event, error) bool) {
		lo, hi := eventlog.NormalizeRange(from, to)
		if lo < 1 {
			lo = 1
		}
		paginator := dynamodb.NewQueryPaginator(l.client, &dynamodb.QueryInput{
			TableName:              aws.String(l.table),
			KeyConditionExpression: aws.String("stream = :s AND version BETWEEN :lo AND :hi"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s":  &types.AttributeValueMemberS{Value: stream},
				":lo": number(lo),
				":hi": number(hi),
			},
			ConsistentRead:   aws.Bool(true),
			ScanIndexForward: aws.Bool(true),
		})

		found := false
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(eventlog.Event{}, fmt.Errorf("query stream %s: %w", stream, err))
				return
			}
			events, err := unmarshalEvents(page.Items)
			if err != nil {
				yield(eventlog.Event{}, err)
				return
			}
			for _, evt := range events {
				found = true
				if !yield(evt, nil) {
					return
				}
			}
		}

		if !found && from != 0 {
			head, err := l.Head(ctx, stream)
			if err != nil {
				yield(eventlog.Event{}, err)
				return
			}
			if head.Version == 0 {
				yield(eventlog.Event{}, eventlog.ErrStreamNotFound)
			}
		}
	}
}

// ReadAll implements eventlog.Reader on GSI1. The index is eventually
// consistent.
func (l *EventLog) ReadAll(ctx context.Context, from int64, limit int) ([]eventlog.Event, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		IndexName:              aws.String(GSI1),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND gsi1sk >= :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: gsi1PK},
			":from": number(from),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var events []eventlog.Event
	paginator := dynamodb.NewQueryPaginator(l.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query events after %d: %w", from, err)
		}
		batch, err := unmarshalEvents(page.Items)
		if err != nil {
			return nil, err
		}
		events = append(events, batch...)
		if limit > 0 && len(events) >= limit {
			return events[:limit], nil
		}
	}
	return events, nil
}

// Head implements eventlog.Reader.
func (l *EventLog) Head(ctx context.Context, stream string) (eventlog.StreamHead, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            streamKey(stream, headVersion),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return eventlog.StreamHead{}, fmt.Errorf("read head of %s: %w", stream, err)
	}
	if out.Item == nil {
		return eventlog.StreamHead{Stream: stream}, nil
	}
	var it headItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return eventlog.StreamHead{}, fmt.Errorf("unmarshal head of %s: %w", stream, err)
	}
	updatedAt, err := time.Parse(timeLayout, it.UpdatedAt)
	if err != nil {
		return eventlog.StreamHead{}, fmt.Errorf("parse updated_at %q: %w", it.UpdatedAt, err)
	}
	return eventlog.StreamHead{Stream: stream, Version: it.Head, UpdatedAt: updatedAt.UTC()}, nil
}

// LastPosition implements eventlog.Reader. It returns the highest committed
// position, which may be below the counter when appends were rejected.
func (l *EventLog) LastPosition(ctx context.Context) (int64, error) {
	out, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		IndexName:              aws.String(GSI1),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: gsi1PK},
		},
		ProjectionExpression: aws.String("gsi1sk"),
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	sk, ok := out.Items[0]["gsi1sk"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("read last position: gsi1sk is not a number")
	}
	return strconv.ParseInt(sk.Value, 10, 64)
}

// isConditionFailure reports a transaction cancelled by a failed condition.
func isConditionFailure(err error) bool {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		var ccf *types.ConditionalCheckFailedException
		return errors.As(err, &ccf)
	}
	for _, reason := range cancelled.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}
