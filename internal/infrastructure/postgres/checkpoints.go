package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/whizbang/internal/checkpoint"
	"github.com/example/whizbang/internal/readmodel"
)

// CheckpointStore is a checkpoint.TxStore on the checkpoints table.
type CheckpointStore struct {
	store *Store
}

// Checkpoints returns the checkpoint store of s.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{store: s}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get implements checkpoint.Store.
func (c *CheckpointStore) Get(ctx context.Context, name string) (checkpoint.Checkpoint, bool, error) {
	cp := checkpoint.Checkpoint{Projection: name}
	err := c.store.db.QueryRowContext(ctx,
		`SELECT position, updated_at FROM checkpoints WHERE projection = $1`, name,
	).Scan(&cp.Position, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, true, nil
}

// Save implements checkpoint.Store.
func (c *CheckpointStore) Save(ctx context.Context, name string, position int64) error {
	return c.save(ctx, c.store.db, name, position)
}

// Reset implements checkpoint.Store.
func (c *CheckpointStore) Reset(ctx context.Context, name string, position int64) error {
	if name == "" {
		return checkpoint.ErrInvalidName
	}
	_, err := c.store.db.ExecContext(ctx,
		`INSERT INTO checkpoints (projection, position, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (projection) DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		name, position, c.store.now(),
	)
	if err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", name, err)
	}
	return nil
}

// SaveTx implements checkpoint.TxStore for transactions of this database's
// ReadModel.
func (c *CheckpointStore) SaveTx(ctx context.Context, tx readmodel.Tx, name string, position int64) error {
	rt, ok := tx.(*readTx)
	if !ok {
		return fmt.Errorf("checkpoint %s: transaction %T is not a postgres transaction", name, tx)
	}
	return c.save(ctx, rt.tx, name, position)
}

func (c *CheckpointStore) save(ctx context.Context, db execer, name string, position int64) error {
	if name == "" {
		return checkpoint.ErrInvalidName
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO checkpoints (projection, position, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (projection) DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at
		 WHERE checkpoints.position < EXCLUDED.position`,
		name, position, c.store.now(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}
