package projection_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/projection"
	"github.com/example/whizbang/internal/readmodel"
)

func newTestProjector(t *testing.T, log eventlog.Reader) (*projection.Projector, *projection.Engine, *readmodel.MemoryStore) {
	t.Helper()
	engine, store := newSummary(t, log)
	return projection.NewProjector(engine, zerolog.Nop()), engine, store
}

func message(t *testing.T, log eventlog.Reader, position int64) []byte {
	t.Helper()
	events, err := log.ReadAll(context.Background(), position, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	value, err := json.Marshal(events[0])
	require.NoError(t, err)
	return value
}

func TestProjector_HandleEventCatchesUp(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	appendEvent(t, log, "order-1", "OrderCreated", orderCreated{OrderID: "1", Total: 100})
	appendEvent(t, log, "order-1", "OrderShipped", orderShipped{OrderID: "1"})
	projector, engine, store := newTestProjector(t, log)

	// Only the first message arrives; the log still holds both events.
	require.NoError(t, projector.HandleEvent(ctx, []byte("order-1"), message(t, log, 1)))

	assert.Equal(t, "Shipped", loadView(t, store, "1").Status)
	pos, err := engine.Checkpoint(ctx, "summary")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	// Redelivery changes nothing.
	require.NoError(t, projector.HandleEvent(ctx, []byte("order-1"), message(t, log, 1)))
	assert.Equal(t, "Shipped", loadView(t, store, "1").Status)
}

func TestProjector_IgnoresUnhandledTypes(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	appendEvent(t, log, "order-1", "OrderCreated", orderCreated{OrderID: "1", Total: 100})
	appendEvent(t, log, "cart-1", "CartAbandoned", map[string]string{"cart_id": "1"})
	projector, engine, _ := newTestProjector(t, log)

	require.NoError(t, projector.HandleEvent(ctx, nil, message(t, log, 2)))
	pos, err := engine.Checkpoint(ctx, "summary")
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestProjector_InvalidMessage(t *testing.T) {
	projector, _, _ := newTestProjector(t, eventlog.NewMemoryLog())
	err := projector.HandleEvent(context.Background(), []byte("k"), []byte("not json"))
	assert.Error(t, err)
}

func TestProjector_FailedProjectionIsSkipped(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	appendEvent(t, log, "order-1", "OrderPoison", nil)
	projector, engine, _ := newTestProjector(t, log)

	err := projector.HandleEvent(ctx, nil, message(t, log, 1))
	require.ErrorIs(t, err, projection.ErrProjectionApplyFailed)
	status, _ := engine.Status("summary")
	assert.Equal(t, projection.Failed, status)

	assert.NoError(t, projector.HandleEvent(ctx, nil, message(t, log, 1)))
}
