package readmodel

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	// ErrNotFound is returned by Get for a missing document.
	ErrNotFound = errors.New("document not found")

	// ErrTxDone is returned by operations on a committed or rolled back Tx.
	ErrTxDone = errors.New("transaction already finished")

	// ErrShadowClosed is returned by operations on a promoted or discarded Shadow.
	ErrShadowClosed = errors.New("shadow store already promoted or discarded")

	// ErrSwapUnsupported is returned by stores that cannot build a shadow.
	ErrSwapUnsupported = errors.New("store does not support shadow swap")
)

// ReservedPrefix marks collections that belong to the engine, such as
// colocated checkpoints. Clear and Promote never touch them.
const ReservedPrefix = "_"

// Reserved reports whether collection is engine-owned.
func Reserved(collection string) bool {
	return strings.HasPrefix(collection, ReservedPrefix)
}

// InScope reports whether Clear or Promote with the given scope acts on
// collection. An empty scope covers every non-reserved collection.
func InScope(scope []string, collection string) bool {
	if Reserved(collection) {
		return false
	}
	return len(scope) == 0 || slices.Contains(scope, collection)
}

// Tx is a unit of work against a Store. Reads observe the transaction's own
// writes. Rollback after Commit is a no-op so it can be deferred.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Put(ctx context.Context, collection, id string, doc Document) error
	Delete(ctx context.Context, collection, id string) error
	// Find returns the identifiers of matching documents in ascending order.
	Find(ctx context.Context, collection string, pred Predicate) ([]string, error)
	Commit() error
	Rollback() error
}

// Store is a transactional document store.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Shadow returns an empty store that can later replace the scoped
	// collections of this one in a single step. Collections outside the
	// scope keep their live contents on promotion.
	Shadow(ctx context.Context, scope ...string) (Shadow, error)
	// Clear deletes every document in the scoped collections.
	Clear(ctx context.Context, scope ...string) error
}

// Shadow is a store being built to replace a live one.
type Shadow interface {
	Store
	// Promote atomically replaces the live store's scoped collections with
	// the shadow's.
	Promote(ctx context.Context) error
	// Discard drops the shadow. The live store is untouched.
	Discard(ctx context.Context) error
}

// Exporter is implemented by stores that can dump their contents in
// canonical form, collection -> id -> JSON.
type Exporter interface {
	Export(ctx context.Context) (map[string]map[string]string, error)
}

// Load reads one document in its own transaction.
func Load(ctx context.Context, s Store, collection, id string) (Document, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.Get(ctx, collection, id)
}

// Query returns the matching documents keyed by identifier.
func Query(ctx context.Context, s Store, collection string, pred Predicate) (map[string]Document, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids, err := tx.Find(ctx, collection, pred)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Document, len(ids))
	for _, id := range ids {
		doc, err := tx.Get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		out[id] = doc
	}
	return out, nil
}
