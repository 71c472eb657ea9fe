package storage

import (
	"context"
	"sync"

	"github.com/rcliao/cadence/internal/domain"
)

// MemoryStore keeps snapshots in process. It keeps every saved snapshot so
// tests can inspect the history.
type MemoryStore struct {
	mu      sync.RWMutex
	history []*domain.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil {
		return domain.Invalidf("snapshot", "snapshot is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.history = append(ms.history, snap.Clone())
	return nil
}

func (ms *MemoryStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if len(ms.history) == 0 {
		return nil, domain.ErrSnapshotNotFound
	}
	return ms.history[len(ms.history)-1].Clone(), nil
}

// Len reports how many snapshots have been saved.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.history)
}

func (ms *MemoryStore) Close() error { return nil }
