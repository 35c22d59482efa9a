package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/whizbang/internal/readmodel"
)

// Collection is the reserved read-model collection holding checkpoints.
const Collection = readmodel.ReservedPrefix + "checkpoints"

// ReadModelStore keeps checkpoints as documents in a read-model store.
type ReadModelStore struct {
	store readmodel.Store
}

// InReadModel colocates checkpoints with the projection's documents.
func InReadModel(store readmodel.Store) *ReadModelStore {
	return &ReadModelStore{store: store}
}

// Get implements Store.
func (s *ReadModelStore) Get(ctx context.Context, name string) (Checkpoint, bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return get(ctx, tx, name)
}

// Save implements Store.
func (s *ReadModelStore) Save(ctx context.Context, name string, position int64) error {
	return s.inTx(ctx, func(tx readmodel.Tx) error {
		return s.SaveTx(ctx, tx, name, position)
	})
}

// Reset implements Store.
func (s *ReadModelStore) Reset(ctx context.Context, name string, position int64) error {
	return s.inTx(ctx, func(tx readmodel.Tx) error {
		return put(ctx, tx, name, position)
	})
}

// SaveTx implements TxStore.
func (s *ReadModelStore) SaveTx(ctx context.Context, tx readmodel.Tx, name string, position int64) error {
	cp, ok, err := get(ctx, tx, name)
	if err != nil {
		return err
	}
	if ok && cp.Position >= position {
		return nil
	}
	return put(ctx, tx, name, position)
}

func (s *ReadModelStore) inTx(ctx context.Context, fn func(readmodel.Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func get(ctx context.Context, tx readmodel.Tx, name string) (Checkpoint, bool, error) {
	doc, err := tx.Get(ctx, Collection, name)
	if errors.Is(err, readmodel.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	var cp Checkpoint
	if err := doc.Decode(&cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return cp, true, nil
}

func put(ctx context.Context, tx readmodel.Tx, name string, position int64) error {
	if name == "" {
		return ErrInvalidName
	}
	doc, err := readmodel.DocumentFrom(Checkpoint{Projection: name, Position: position, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := tx.Put(ctx, Collection, name, doc); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", name, err)
	}
	return nil
}
