package order

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/projection"
	"github.com/example/whizbang/internal/readmodel"
)

func loadSummary(t *testing.T, store readmodel.Store, id string) Summary {
	t.Helper()
	doc, err := readmodel.Load(context.Background(), store, SummaryCollection, id)
	require.NoError(t, err)
	var s Summary
	require.NoError(t, doc.Decode(&s))
	return s
}

func TestSummary_FollowsOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	service := NewService(log, nil)
	store := readmodel.NewMemoryStore()
	engine := projection.NewEngine(log)
	require.NoError(t, engine.Register(Summaries(store)))

	order := placeOrder(t, service)
	_, err := engine.CatchUp(ctx, SummaryProjection)
	require.NoError(t, err)

	s := loadSummary(t, store, order.ID)
	assert.Equal(t, StatusCreated, s.Status)
	assert.Equal(t, 4000, s.Total)
	assert.Equal(t, 3, s.ItemCount)
	assert.Equal(t, int64(1), s.Events)
	assert.Equal(t, EventOrderCreated, s.LastEvent)

	_, err = service.Pay(ctx, order.ID)
	require.NoError(t, err)
	_, err = service.Ship(ctx, order.ID)
	require.NoError(t, err)
	_, err = engine.CatchUp(ctx, SummaryProjection)
	require.NoError(t, err)

	s = loadSummary(t, store, order.ID)
	assert.Equal(t, StatusShipped, s.Status)
	assert.Equal(t, int64(3), s.Events)
	assert.Equal(t, EventOrderShipped, s.LastEvent)
}

func TestSummary_CancelledKeepsReason(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	service := NewService(log, nil)
	store := readmodel.NewMemoryStore()
	engine := projection.NewEngine(log)
	require.NoError(t, engine.Register(Summaries(store)))

	order := placeOrder(t, service)
	_, err := service.Cancel(ctx, order.ID, "duplicate")
	require.NoError(t, err)
	_, err = engine.CatchUp(ctx, SummaryProjection)
	require.NoError(t, err)

	s := loadSummary(t, store, order.ID)
	assert.Equal(t, StatusCancelled, s.Status)
	assert.Equal(t, "duplicate", s.Reason)
}

func TestSummary_AuditRunsAfterConcreteHandler(t *testing.T) {
	engine := projection.NewEngine(eventlog.NewMemoryLog())
	require.NoError(t, engine.Register(Summaries(readmodel.NewMemoryStore())))

	evt := eventlog.Event{
		Stream:  StreamKey("42"),
		Version: 2,
		Type:    EventOrderPaid,
		Payload: []byte(`{"order_id":"42","paid_at":"2024-05-01T12:00:00Z"}`),
	}
	r, err := engine.Process(policy.Background(), SummaryProjection, evt)
	require.NoError(t, err)

	batch, ok := r.(projection.Batch)
	require.True(t, ok)
	require.Len(t, batch, 2)
	status, ok := batch[0].(projection.Update)
	require.True(t, ok)
	assert.Equal(t, readmodel.ByID("42"), status.Where)

	doc, err := status.Mutate("42", readmodel.Document{"status": "Created"})
	require.NoError(t, err)
	assert.Equal(t, "Paid", doc["status"])
}

func TestSummary_AuditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	require.NoError(t, projection.ApplyTo(ctx, store, projection.Upsert{
		Collection: SummaryCollection, ID: "42", Doc: readmodel.Document{"id": "42", "events": 3},
	}))

	evt := eventlog.Event{Stream: StreamKey("42"), Version: 2, Type: EventOrderPaid}
	r, err := audit(policy.Background(), evt, projection.Match{})
	require.NoError(t, err)
	require.NoError(t, projection.ApplyTo(ctx, store, r))

	assert.Equal(t, int64(3), loadSummary(t, store, "42").Events)
}
