package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/checkpoint"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/domain/order"
	"github.com/example/whizbang/internal/projection"
)

func testConfig(backend config.Backend) config.Config {
	return config.Config{
		Options: config.DefaultOptions(),
		Backend: backend,
	}
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), testConfig(config.BackendMemory), zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.Listen)
	_, ok := b.Checkpoints.(checkpoint.TxStore)
	assert.True(t, ok, "same-database checkpoints must join read-model transactions")
}

func TestOpen_MemorySeparateCheckpoints(t *testing.T) {
	cfg := testConfig(config.BackendMemory)
	cfg.Options.CheckpointStorage = config.Separate

	b, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.MemoryStore{}, b.Checkpoints)
}

func TestOpen_SQLiteRunsOrders(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.BackendSQLite)
	cfg.SQLitePath = filepath.Join(t.TempDir(), "backend.db")

	b, err := Open(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	service := order.NewService(b.Log, b.Snapshots)
	placed, err := service.Place(ctx, "user-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 10}})
	require.NoError(t, err)

	engine := projection.NewEngine(b.Log, projection.WithCheckpoints(b.Checkpoints))
	require.NoError(t, engine.Register(order.Summaries(b.ReadModel)))
	n, err := engine.CatchUp(ctx, order.SummaryProjection)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := service.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, got.Status)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), testConfig("cassandra"), zerolog.Nop())
	assert.Error(t, err)
}

func TestClose_JoinsErrorsInReverse(t *testing.T) {
	var calls []int
	b := &Backend{closers: []func() error{
		func() error { calls = append(calls, 1); return errors.New("first") },
		func() error { calls = append(calls, 2); return nil },
	}}

	err := b.Close()
	assert.EqualError(t, err, "first")
	assert.Equal(t, []int{2, 1}, calls)
	assert.NoError(t, b.Close())
}
