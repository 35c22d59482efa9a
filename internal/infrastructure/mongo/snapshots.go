// Package mongo implements a snapshot store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/whizbang/internal/snapshot"
)

// SnapshotsCollection holds one document per (stream, version).
const SnapshotsCollection = "snapshots"

// snapshotDB is the stored form of a snapshot.
type snapshotDB struct {
	Stream    string    `bson:"stream"`
	Version   int64     `bson:"version"`
	State     []byte    `bson:"state"`
	Checksum  string    `bson:"checksum"`
	CreatedAt time.Time `bson:"created_at"`
}

// SnapshotStore is a snapshot.Store on the snapshots collection.
type SnapshotStore struct {
	collection *mongo.Collection
	logger     zerolog.Logger
}

// Connect opens a client to uri and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// NewSnapshotStore returns a snapshot store on db and ensures its index.
func NewSnapshotStore(ctx context.Context, db *mongo.Database, logger zerolog.Logger) (*SnapshotStore, error) {
	s := &SnapshotStore{collection: db.Collection(SnapshotsCollection), logger: logger}
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "version", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot index: %w", err)
	}
	return s, nil
}

// Save implements snapshot.Store.
func (s *SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	_, err := s.collection.ReplaceOne(ctx,
		keyFilter(snap.Stream, snap.Version),
		toDB(snap),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("stream", snap.Stream).
			Int64("version", snap.Version).
			Msg("could not save snapshot")
		return fmt.Errorf("save snapshot %s@%d: %w", snap.Stream, snap.Version, err)
	}
	return nil
}

// GetLatestBefore implements snapshot.Store.
func (s *SnapshotStore) GetLatestBefore(ctx context.Context, stream string, maxVersion int64) (snapshot.Snapshot, bool, error) {
	var doc snapshotDB
	err := s.collection.
		FindOne(ctx, latestFilter(stream, maxVersion), options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("get snapshot of %s: %w", stream, err)
	}
	return fromDB(doc), true, nil
}

// Prune implements snapshot.Store.
func (s *SnapshotStore) Prune(ctx context.Context, stream string, keepLast int) error {
	if keepLast < 0 {
		return snapshot.ErrInvalidKeep
	}

	cur, err := s.collection.Find(ctx, bson.M{"stream": stream}, options.Find().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetSkip(int64(keepLast)).
		SetProjection(bson.M{"version": 1}))
	if err != nil {
		return fmt.Errorf("list snapshots of %s: %w", stream, err)
	}
	defer cur.Close(ctx)

	var stale []int64
	for cur.Next(ctx) {
		var doc struct {
			Version int64 `bson:"version"`
		}
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode snapshot key: %w", err)
		}
		stale = append(stale, doc.Version)
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("list snapshots of %s: %w", stream, err)
	}
	if len(stale) == 0 {
		return nil
	}

	res, err := s.collection.DeleteMany(ctx, bson.M{"stream": stream, "version": bson.M{"$in": stale}})
	if err != nil {
		return fmt.Errorf("prune snapshots of %s: %w", stream, err)
	}
	s.logger.Debug().Str("stream", stream).Int64("deleted", res.DeletedCount).Msg("snapshots pruned")
	return nil
}

func keyFilter(stream string, version int64) bson.M {
	return bson.M{"stream": stream, "version": version}
}

func latestFilter(stream string, maxVersion int64) bson.M {
	return bson.M{"stream": stream, "version": bson.M{"$lte": maxVersion}}
}

func toDB(snap snapshot.Snapshot) snapshotDB {
	return snapshotDB{
		Stream:    snap.Stream,
		Version:   snap.Version,
		State:     snap.State,
		Checksum:  snap.Checksum,
		CreatedAt: snap.CreatedAt.UTC(),
	}
}

func fromDB(doc snapshotDB) snapshot.Snapshot {
	return snapshot.Snapshot{
		Stream:    doc.Stream,
		Version:   doc.Version,
		State:     doc.State,
		Checksum:  doc.Checksum,
		CreatedAt: doc.CreatedAt.UTC(),
	}
}
