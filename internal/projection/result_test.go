package projection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/projection"
	"github.com/example/whizbang/internal/readmodel"
)

func TestApply_UpdateResolvesIDsAndMutates(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	require.NoError(t, projection.ApplyTo(ctx, store, projection.Batch{
		projection.Upsert{Collection: "orders", ID: "1", Doc: readmodel.Document{"customer": "c1", "status": "Created"}},
		projection.Upsert{Collection: "orders", ID: "2", Doc: readmodel.Document{"customer": "c1", "status": "Created"}},
		projection.Upsert{Collection: "orders", ID: "3", Doc: readmodel.Document{"customer": "c2", "status": "Created"}},
	}))

	var mutated []string
	require.NoError(t, projection.ApplyTo(ctx, store, projection.Update{
		Collection: "orders",
		Where:      readmodel.FieldEquals("customer", "c1"),
		Mutate: func(id string, doc readmodel.Document) (readmodel.Document, error) {
			mutated = append(mutated, id)
			doc["status"] = "Archived"
			return doc, nil
		},
	}))
	assert.Equal(t, []string{"1", "2"}, mutated)

	archived, err := readmodel.Query(ctx, store, "orders", readmodel.FieldEquals("status", "Archived"))
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

func TestApply_UpdateCreatesWhenMissing(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	update := projection.Update{
		Collection: "counters",
		Where:      readmodel.ByID("orders"),
		Mutate: func(_ string, doc readmodel.Document) (readmodel.Document, error) {
			doc["n"] = doc["n"].(float64) + 1
			return doc, nil
		},
		CreateIfMissing: func() (string, readmodel.Document) {
			return "orders", readmodel.Document{"n": 1}
		},
	}

	require.NoError(t, projection.ApplyTo(ctx, store, update))
	require.NoError(t, projection.ApplyTo(ctx, store, update))

	doc, err := readmodel.Load(ctx, store, "counters", "orders")
	require.NoError(t, err)
	assert.Equal(t, float64(2), doc["n"])
}

func TestApply_UpdateWithoutMatchOrFactoryIsNoop(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	require.NoError(t, projection.ApplyTo(ctx, store, projection.Update{
		Collection: "orders",
		Where:      readmodel.ByID("404"),
		Mutate:     projection.Set(map[string]any{"status": "Shipped"}),
	}))
	exported, err := store.Export(ctx)
	require.NoError(t, err)
	assert.Empty(t, exported)
}

func TestApply_Delete(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	require.NoError(t, projection.ApplyTo(ctx, store, projection.Batch{
		projection.Upsert{Collection: "orders", ID: "1", Doc: readmodel.Document{"status": "Cancelled"}},
		projection.Upsert{Collection: "orders", ID: "2", Doc: readmodel.Document{"status": "Created"}},
	}))

	require.NoError(t, projection.ApplyTo(ctx, store, projection.Delete{Collection: "orders", Where: readmodel.FieldEquals("status", "Cancelled")}))

	_, err := readmodel.Load(ctx, store, "orders", "1")
	assert.ErrorIs(t, err, readmodel.ErrNotFound)
	_, err = readmodel.Load(ctx, store, "orders", "2")
	assert.NoError(t, err)
}

func TestApply_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	boom := errors.New("boom")

	err := projection.ApplyTo(ctx, store, projection.Batch{
		projection.Upsert{Collection: "orders", ID: "1", Doc: readmodel.Document{"status": "Created"}},
		projection.Custom{Name: "explode", Op: func(context.Context, readmodel.Tx) error { return boom }},
	})
	require.ErrorIs(t, err, boom)

	_, err = readmodel.Load(ctx, store, "orders", "1")
	assert.ErrorIs(t, err, readmodel.ErrNotFound)
}

func TestApply_RequiresPredicate(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	assert.Error(t, projection.ApplyTo(ctx, store, projection.Delete{Collection: "orders"}))
	assert.Error(t, projection.ApplyTo(ctx, store, projection.Update{Collection: "orders", Mutate: projection.Set(nil)}))
}

func TestApply_IdempotentReprocessing(t *testing.T) {
	ctx := context.Background()
	results := []projection.Result{
		projection.Upsert{Collection: "orders", ID: "1", Doc: readmodel.Document{"status": "Created", "total": 100}},
		projection.Update{Collection: "orders", Where: readmodel.ByID("1"), Mutate: projection.Set(map[string]any{"status": "Shipped"})},
		projection.Upsert{Collection: "orders", ID: "2", Doc: readmodel.Document{"status": "Created"}},
		projection.Delete{Collection: "orders", Where: readmodel.ByID("2")},
	}

	once := readmodel.NewMemoryStore()
	twice := readmodel.NewMemoryStore()
	for _, r := range results {
		require.NoError(t, projection.ApplyTo(ctx, once, r))
		require.NoError(t, projection.ApplyTo(ctx, twice, r))
		require.NoError(t, projection.ApplyTo(ctx, twice, r))
	}

	a, err := once.Export(ctx)
	require.NoError(t, err)
	b, err := twice.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCombine(t *testing.T) {
	assert.Equal(t, projection.None{}, projection.Combine())
	assert.Equal(t, projection.None{}, projection.Combine(projection.None{}, nil, projection.Batch{projection.None{}}))

	up := projection.Upsert{Collection: "c", ID: "1"}
	assert.Equal(t, up, projection.Combine(projection.None{}, up))
	assert.Len(t, projection.Combine(up, projection.Batch{up, projection.None{}}), 2)
}
