package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/example/whizbang/internal/snapshot"
)

func TestSnapshotDB_RoundTrip(t *testing.T) {
	// BSON dates carry milliseconds.
	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 5_000_000, time.UTC)
	snap := snapshot.New("order-1", 10, []byte(`{"status":"Paid"}`), createdAt)

	data, err := bson.Marshal(toDB(snap))
	require.NoError(t, err)

	var doc snapshotDB
	require.NoError(t, bson.Unmarshal(data, &doc))
	got := fromDB(doc)

	assert.Equal(t, snap.Stream, got.Stream)
	assert.Equal(t, snap.Version, got.Version)
	assert.Equal(t, snap.State, got.State)
	assert.Equal(t, snap.Checksum, got.Checksum)
	assert.True(t, snap.CreatedAt.Equal(got.CreatedAt))
	assert.NoError(t, got.Verify())
}

func TestFilters(t *testing.T) {
	assert.Equal(t, bson.M{"stream": "order-1", "version": int64(4)}, keyFilter("order-1", 4))
	assert.Equal(t,
		bson.M{"stream": "order-1", "version": bson.M{"$lte": int64(9)}},
		latestFilter("order-1", 9),
	)
}
