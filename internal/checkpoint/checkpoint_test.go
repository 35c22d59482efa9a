package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/checkpoint"
	"github.com/example/whizbang/internal/readmodel"
)

func stores() map[string]checkpoint.Store {
	return map[string]checkpoint.Store{
		"memory":    checkpoint.NewMemoryStore(),
		"readmodel": checkpoint.InReadModel(readmodel.NewMemoryStore()),
	}
}

func TestStore_NeverRegressesExceptOnReset(t *testing.T) {
	for name, store := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := store.Get(ctx, "summary")
			require.NoError(t, err)
			assert.False(t, ok)

			observed := int64(0)
			for _, pos := range []int64{3, 7, 5, 7, 2, 9} {
				require.NoError(t, store.Save(ctx, "summary", pos))
				cp, ok, err := store.Get(ctx, "summary")
				require.NoError(t, err)
				require.True(t, ok)
				assert.GreaterOrEqual(t, cp.Position, observed)
				observed = cp.Position
			}
			assert.Equal(t, int64(9), observed)

			require.NoError(t, store.Reset(ctx, "summary", 0))
			cp, _, err := store.Get(ctx, "summary")
			require.NoError(t, err)
			assert.Equal(t, int64(0), cp.Position)
			assert.Equal(t, "summary", cp.Projection)
		})
	}
}

func TestStore_RejectsEmptyName(t *testing.T) {
	for name, store := range stores() {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, store.Save(context.Background(), "", 1), checkpoint.ErrInvalidName)
		})
	}
}

func TestReadModelStore_SaveTxCommitsWithDocuments(t *testing.T) {
	ctx := context.Background()
	rm := readmodel.NewMemoryStore()
	store := checkpoint.InReadModel(rm)

	tx, err := rm.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "orders", "1", readmodel.Document{"status": "Created"}))
	require.NoError(t, store.SaveTx(ctx, tx, "summary", 4))
	require.NoError(t, tx.Rollback())

	_, ok, err := store.Get(ctx, "summary")
	require.NoError(t, err)
	assert.False(t, ok, "rolled back checkpoint must not be visible")

	tx, err = rm.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "orders", "1", readmodel.Document{"status": "Created"}))
	require.NoError(t, store.SaveTx(ctx, tx, "summary", 4))
	require.NoError(t, tx.Commit())

	cp, ok, err := store.Get(ctx, "summary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), cp.Position)
}
