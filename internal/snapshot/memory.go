package snapshot

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]Snapshot // stream -> ascending by version
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]Snapshot)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap.State = append([]byte(nil), snap.State...)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snaps[snap.Stream]
	i, found := slices.BinarySearchFunc(list, snap.Version, func(e Snapshot, v int64) int {
		return cmp.Compare(e.Version, v)
	})
	if found {
		list[i] = snap
		return nil
	}
	s.snaps[snap.Stream] = slices.Insert(list, i, snap)
	return nil
}

// GetLatestBefore implements Store.
func (s *MemoryStore) GetLatestBefore(ctx context.Context, stream string, maxVersion int64) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snaps[stream]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Version <= maxVersion {
			snap := list[i]
			snap.State = append([]byte(nil), snap.State...)
			return snap, true, nil
		}
	}
	return Snapshot{}, false, nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(ctx context.Context, stream string, keepLast int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if keepLast < 0 {
		return ErrInvalidKeep
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snaps[stream]
	if len(list) <= keepLast {
		return nil
	}
	s.snaps[stream] = slices.Clone(list[len(list)-keepLast:])
	return nil
}

// Versions returns the stored versions of stream in ascending order.
func (s *MemoryStore) Versions(stream string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]int64, 0, len(s.snaps[stream]))
	for _, snap := range s.snaps[stream] {
		versions = append(versions, snap.Version)
	}
	return versions
}
