package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/whizbang/internal/snapshot"
)

// SnapshotStore is a snapshot.Store on the snapshots table.
type SnapshotStore struct {
	store *Store
}

// Snapshots returns the snapshot store of s.
func (s *Store) Snapshots() *SnapshotStore {
	return &SnapshotStore{store: s}
}

// Save implements snapshot.Store.
func (s *SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	_, err := s.store.db.ExecContext(ctx,
		`INSERT INTO snapshots (stream, version, state, checksum, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (stream, version) DO UPDATE SET
		     state = excluded.state, checksum = excluded.checksum, created_at = excluded.created_at`,
		snap.Stream, snap.Version, snap.State, snap.Checksum, snap.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", snap.Stream, snap.Version, err)
	}
	return nil
}

// GetLatestBefore implements snapshot.Store.
func (s *SnapshotStore) GetLatestBefore(ctx context.Context, stream string, maxVersion int64) (snapshot.Snapshot, bool, error) {
	var (
		snap      = snapshot.Snapshot{Stream: stream}
		createdAt string
	)
	err := s.store.db.QueryRowContext(ctx,
		`SELECT version, state, checksum, created_at FROM snapshots
		 WHERE stream = ? AND version <= ?
		 ORDER BY version DESC LIMIT 1`,
		stream, maxVersion,
	).Scan(&snap.Version, &snap.State, &snap.Checksum, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("get snapshot of %s: %w", stream, err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return snapshot.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Prune implements snapshot.Store.
func (s *SnapshotStore) Prune(ctx context.Context, stream string, keepLast int) error {
	if keepLast < 0 {
		return snapshot.ErrInvalidKeep
	}
	_, err := s.store.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE stream = ? AND version NOT IN (
		     SELECT version FROM snapshots WHERE stream = ? ORDER BY version DESC LIMIT ?
		 )`,
		stream, stream, keepLast,
	)
	if err != nil {
		return fmt.Errorf("prune snapshots of %s: %w", stream, err)
	}
	return nil
}
