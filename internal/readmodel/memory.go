package readmodel

import (
	"context"
	"maps"
	"slices"
	"sync"
)

type collections map[string]map[string][]byte // collection -> id -> canonical JSON

// MemoryStore is an in-memory Store. Transactions are serialized: Begin
// blocks until the previous transaction finishes, so resolving IDs and
// mutating them inside one Tx cannot interleave with another writer.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data collections
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(collections)}
}

// Begin implements Store.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &memoryTx{store: s, writes: make(map[string]map[string][]byte)}, nil
}

// Shadow implements Store.
func (s *MemoryStore) Shadow(ctx context.Context, scope ...string) (Shadow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryShadow{MemoryStore: NewMemoryStore(), live: s, scope: slices.Clone(scope)}, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context, scope ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.data {
		if InScope(scope, name) {
			delete(s.data, name)
		}
	}
	return nil
}

// Export implements Exporter.
func (s *MemoryStore) Export(ctx context.Context) (map[string]map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]string, len(s.data))
	for name, docs := range s.data {
		if Reserved(name) || len(docs) == 0 {
			continue
		}
		coll := make(map[string]string, len(docs))
		for id, data := range docs {
			coll[id] = string(data)
		}
		out[name] = coll
	}
	return out, nil
}

func (s *MemoryStore) committed(collection, id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[collection][id]
	return data, ok
}

func (s *MemoryStore) committedIDs(collection string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Keys(s.data[collection]))
}

type memoryTx struct {
	store  *MemoryStore
	writes map[string]map[string][]byte // nil value marks a delete
	done   bool
}

func (tx *memoryTx) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	data, ok := tx.lookup(collection, id)
	if !ok {
		return nil, ErrNotFound
	}
	return ParseDocument(data)
}

func (tx *memoryTx) Put(ctx context.Context, collection, id string, doc Document) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	data, err := doc.Canonical()
	if err != nil {
		return err
	}
	tx.write(collection, id, data)
	return nil
}

func (tx *memoryTx) Delete(ctx context.Context, collection, id string) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	tx.write(collection, id, nil)
	return nil
}

func (tx *memoryTx) Find(ctx context.Context, collection string, pred Predicate) ([]string, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	candidates := tx.store.committedIDs(collection)
	candidates = append(candidates, slices.Collect(maps.Keys(tx.writes[collection]))...)
	slices.Sort(candidates)
	candidates = slices.Compact(candidates)

	var ids []string
	for _, id := range candidates {
		data, ok := tx.lookup(collection, id)
		if !ok {
			continue
		}
		doc, err := ParseDocument(data)
		if err != nil {
			return nil, err
		}
		if pred.Match(id, doc) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.store.txMu.Unlock()

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for name, docs := range tx.writes {
		coll := tx.store.data[name]
		if coll == nil {
			coll = make(map[string][]byte)
			tx.store.data[name] = coll
		}
		for id, data := range docs {
			if data == nil {
				delete(coll, id)
				continue
			}
			coll[id] = data
		}
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.txMu.Unlock()
	return nil
}

func (tx *memoryTx) check(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (tx *memoryTx) lookup(collection, id string) ([]byte, bool) {
	if docs, ok := tx.writes[collection]; ok {
		if data, ok := docs[id]; ok {
			return data, data != nil
		}
	}
	return tx.store.committed(collection, id)
}

func (tx *memoryTx) write(collection, id string, data []byte) {
	docs := tx.writes[collection]
	if docs == nil {
		docs = make(map[string][]byte)
		tx.writes[collection] = docs
	}
	docs[id] = data
}

type memoryShadow struct {
	*MemoryStore
	live   *MemoryStore
	scope  []string
	closed bool
}

func (s *memoryShadow) Begin(ctx context.Context) (Tx, error) {
	if s.closed {
		return nil, ErrShadowClosed
	}
	return s.MemoryStore.Begin(ctx)
}

func (s *memoryShadow) Promote(ctx context.Context) error {
	if s.closed {
		return ErrShadowClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.closed = true

	s.live.txMu.Lock()
	defer s.live.txMu.Unlock()
	s.live.mu.Lock()
	defer s.live.mu.Unlock()
	s.MemoryStore.mu.RLock()
	defer s.MemoryStore.mu.RUnlock()

	next := make(collections, len(s.MemoryStore.data))
	for name, docs := range s.live.data {
		if !InScope(s.scope, name) {
			next[name] = docs
		}
	}
	for name, docs := range s.MemoryStore.data {
		if InScope(s.scope, name) {
			next[name] = docs
		}
	}
	s.live.data = next
	return nil
}

func (s *memoryShadow) Discard(context.Context) error {
	s.closed = true
	return nil
}

func (s *memoryShadow) Shadow(context.Context, ...string) (Shadow, error) {
	return nil, ErrSwapUnsupported
}
