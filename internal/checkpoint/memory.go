package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, used for Separate checkpoint storage in
// tests and single-process setups.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]Checkpoint),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, name string) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[name]
	return cp, ok, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, name string, position int64) error {
	return s.set(ctx, name, position, false)
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, name string, position int64) error {
	return s.set(ctx, name, position, true)
}

func (s *MemoryStore) set(ctx context.Context, name string, position int64, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[name]; ok && !force && cp.Position >= position {
		return nil
	}
	s.checkpoints[name] = Checkpoint{Projection: name, Position: position, UpdatedAt: s.now()}
	return nil
}
