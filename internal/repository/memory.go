package repository

import (
	"context"
	"sync"

	"enlist/internal/models"
)

// MemorySnapshotStore is the in-process fallback when redis is down or
// not configured. Snapshots live until process exit.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*models.RunSnapshot
	currentID string
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]*models.RunSnapshot),
	}
}

func (m *MemorySnapshotStore) SaveSnapshot(ctx context.Context, snap *models.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.RunID] = snap
	m.currentID = snap.RunID
	return nil
}

func (m *MemorySnapshotStore) LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshots[runID], nil
}

func (m *MemorySnapshotStore) LoadCurrent(ctx context.Context) (*models.RunSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentID == "" {
		return nil, nil
	}
	return m.snapshots[m.currentID], nil
}

func (m *MemorySnapshotStore) ClearSnapshot(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, runID)
	if m.currentID == runID {
		m.currentID = ""
	}
	return nil
}
