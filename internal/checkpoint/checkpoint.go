// Package checkpoint persists how far each projection has processed the log.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/example/whizbang/internal/readmodel"
)

// ErrInvalidName indicates an empty projection name.
var ErrInvalidName = errors.New("projection name is required")

// Checkpoint tracks the progress of a projection. Position is the global
// position of the last applied event.
type Checkpoint struct {
	Projection string    `json:"projection"`
	Position   int64     `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists checkpoints. Save never moves a checkpoint backward; only
// Reset does.
type Store interface {
	// Get returns the checkpoint of name; false means never started.
	Get(ctx context.Context, name string) (Checkpoint, bool, error)

	// Save advances the checkpoint. A position at or below the stored one is ignored.
	Save(ctx context.Context, name string, position int64) error

	// Reset sets the checkpoint unconditionally. Used by rebuilds and operators.
	Reset(ctx context.Context, name string, position int64) error
}

// TxStore is a Store whose rows live in the read-model store, so the
// checkpoint can commit in the same transaction as the projection's writes.
type TxStore interface {
	Store
	SaveTx(ctx context.Context, tx readmodel.Tx, name string, position int64) error
}
