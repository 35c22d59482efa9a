package eventlog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/eventlog"
)

type orderCreated struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return now }
}

func TestMemoryLog_AppendAndReadBack(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(eventlog.WithClock(fixedClock()))

	data := eventlog.MustEventData("OrderCreated", orderCreated{OrderID: "1", Total: 100})
	version, err := log.Append(ctx, "order-1", eventlog.NoStream(), []eventlog.EventData{data})
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	events, err := eventlog.Collect(log.Read(ctx, "order-1", 1, 1))
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	assert.Equal(t, int64(1), evt.Version)
	assert.Equal(t, int64(1), evt.Position)
	assert.Equal(t, "OrderCreated", evt.Type)
	assert.Equal(t, "order", evt.StreamType)
	assert.Equal(t, data.ID, evt.ID)

	var payload orderCreated
	require.NoError(t, eventlog.Decode(evt, &payload))
	assert.Equal(t, orderCreated{OrderID: "1", Total: 100}, payload)
}

func TestMemoryLog_ExpectedVersionMismatch(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()

	_, err := log.Append(ctx, "order-1", eventlog.NoStream(), []eventlog.EventData{eventlog.MustEventData("OrderCreated", nil)})
	require.NoError(t, err)

	_, err = log.Append(ctx, "order-1", eventlog.NoStream(), []eventlog.EventData{eventlog.MustEventData("OrderCreated", nil)})
	require.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)

	_, err = log.Append(ctx, "order-1", eventlog.Exact(5), []eventlog.EventData{eventlog.MustEventData("OrderPaid", nil)})
	conflict, ok := eventlog.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, eventlog.Exact(5), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)

	version, err := log.Append(ctx, "order-1", eventlog.Any(), []eventlog.EventData{eventlog.MustEventData("OrderPaid", nil)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestMemoryLog_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()

	_, err := log.Append(ctx, "order-1", eventlog.Any(), []eventlog.EventData{
		eventlog.MustEventData("OrderCreated", nil),
		{Type: ""},
	})
	require.Error(t, err)

	head, err := log.Head(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head.Version)

	last, err := log.LastPosition(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestMemoryLog_RejectsEmptyAppend(t *testing.T) {
	_, err := eventlog.NewMemoryLog().Append(context.Background(), "order-1", eventlog.Any(), nil)
	assert.ErrorIs(t, err, eventlog.ErrNoEvents)

	_, err = eventlog.NewMemoryLog().Append(context.Background(), " ", eventlog.Any(), []eventlog.EventData{{Type: "X"}})
	assert.ErrorIs(t, err, eventlog.ErrInvalidStream)
}

func TestMemoryLog_ReadMissingStream(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()

	_, err := eventlog.Collect(log.Read(ctx, "order-404", 1, eventlog.ToEnd))
	assert.ErrorIs(t, err, eventlog.ErrStreamNotFound)

	events, err := eventlog.Collect(log.Read(ctx, "order-404", 0, eventlog.ToEnd))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryLog_ReadIsRestartable(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, "order-1", eventlog.Exact(int64(i)), []eventlog.EventData{eventlog.MustEventData("Tick", i)})
		require.NoError(t, err)
	}

	seq := log.Read(ctx, "order-1", 2, eventlog.ToEnd)
	first, err := eventlog.Collect(seq)
	require.NoError(t, err)
	second, err := eventlog.Collect(seq)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), first[0].Version)
	assert.Equal(t, int64(3), first[1].Version)
}

func TestMemoryLog_ReadAllFollowsGlobalOrder(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()

	appendOne := func(stream string, expected int64) {
		_, err := log.Append(ctx, stream, eventlog.Exact(expected), []eventlog.EventData{eventlog.MustEventData("Tick", nil)})
		require.NoError(t, err)
	}
	appendOne("a-1", 0)
	appendOne("a-1", 1)
	appendOne("b-1", 0)
	appendOne("a-1", 2)

	events, err := log.ReadAll(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	streams := []string{}
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Position)
		streams = append(streams, evt.Stream)
	}
	assert.Equal(t, []string{"a-1", "a-1", "b-1", "a-1"}, streams)

	page, err := log.ReadAll(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Position)
	assert.Equal(t, int64(3), page[1].Position)

	tail, err := log.ReadAll(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestMemoryLog_ConcurrentAppendsOneWinnerPerVersion(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	_, err := log.Append(ctx, "order-1", eventlog.NoStream(), []eventlog.EventData{eventlog.MustEventData("OrderCreated", nil)})
	require.NoError(t, err)

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []int64
		conflicts []*eventlog.ConflictError
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			version, err := log.Append(ctx, "order-1", eventlog.Exact(1), []eventlog.EventData{eventlog.MustEventData("OrderShipped", nil)})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				conflict, ok := eventlog.AsConflict(err)
				if !assert.True(t, ok) {
					return
				}
				conflicts = append(conflicts, conflict)
				return
			}
			winners = append(winners, version)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, int64(2), winners[0])
	require.Len(t, conflicts, writers-1)
	for _, c := range conflicts {
		assert.Equal(t, eventlog.Exact(1), c.Expected)
		assert.Equal(t, int64(2), c.Actual)
	}
}

func TestMemoryLog_VersionsAreGapless(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()

	const appends = 50
	var wg sync.WaitGroup
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(ctx, "order-1", eventlog.Any(), []eventlog.EventData{eventlog.MustEventData("Tick", nil)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := eventlog.Collect(log.Read(ctx, "order-1", 1, eventlog.ToEnd))
	require.NoError(t, err)
	require.Len(t, events, appends)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Version)
	}
}

func TestMemoryLog_WaitIsClosedByAppend(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	wait := log.Wait()

	select {
	case <-wait:
		t.Fatal("signal closed before append")
	default:
	}

	_, err := log.Append(ctx, "order-1", eventlog.Any(), []eventlog.EventData{eventlog.MustEventData("Tick", nil)})
	require.NoError(t, err)

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("signal not closed after append")
	}
}

func TestMemoryLog_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eventlog.NewMemoryLog().Append(ctx, "order-1", eventlog.Any(), []eventlog.EventData{{Type: "X"}})
	assert.True(t, errors.Is(err, context.Canceled))
}
