package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/whizbang/internal/checkpoint"
	"github.com/example/whizbang/internal/readmodel"
)

// CheckpointStore is a checkpoint.TxStore on the checkpoints table. SaveTx
// joins transactions of this database's read-model store.
type CheckpointStore struct {
	store *Store
}

// Checkpoints returns the checkpoint store of s.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{store: s}
}

// sqlTx is implemented by read-model transactions of this package.
type sqlTx interface {
	SQLTx() *sql.Tx
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get implements checkpoint.Store.
func (c *CheckpointStore) Get(ctx context.Context, name string) (checkpoint.Checkpoint, bool, error) {
	var (
		cp        = checkpoint.Checkpoint{Projection: name}
		updatedAt string
	)
	err := c.store.db.QueryRowContext(ctx,
		`SELECT position, updated_at FROM checkpoints WHERE projection = ?`, name,
	).Scan(&cp.Position, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	if cp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return checkpoint.Checkpoint{}, false, err
	}
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
		`INSERT INTO checkpoints (projection, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (projection) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		name, position, c.store.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", name, err)
	}
	return nil
}

// SaveTx implements checkpoint.TxStore. tx must come from a ReadModel of the
// same database.
func (c *CheckpointStore) SaveTx(ctx context.Context, tx readmodel.Tx, name string, position int64) error {
	st, ok := tx.(sqlTx)
	if !ok {
		return fmt.Errorf("checkpoint %s: transaction %T is not a sqlite transaction", name, tx)
	}
	return c.save(ctx, st.SQLTx(), name, position)
}

func (c *CheckpointStore) save(ctx context.Context, db execer, name string, position int64) error {
	if name == "" {
		return checkpoint.ErrInvalidName
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO checkpoints (projection, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (projection) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
		 WHERE excluded.position > checkpoints.position`,
		name, position, c.store.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}
