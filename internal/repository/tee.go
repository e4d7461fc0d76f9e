package repository

import (
	"context"

	"enlist/internal/domain"
	"enlist/internal/models"
)

// TeeSnapshotStore writes every snapshot to all stores (live store first,
// then durable ones) and reads from the first store that has data. The
// orchestrator sees one store; wiring decides how many actually back it.
type TeeSnapshotStore struct {
	stores []domain.SnapshotStore
}

func NewTeeSnapshotStore(stores ...domain.SnapshotStore) *TeeSnapshotStore {
	return &TeeSnapshotStore{stores: stores}
}

func (t *TeeSnapshotStore) SaveSnapshot(ctx context.Context, snap *models.RunSnapshot) error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.SaveSnapshot(ctx, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeSnapshotStore) LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	var firstErr error
	for _, s := range t.stores {
		snap, err := s.LoadSnapshot(ctx, runID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, firstErr
}

func (t *TeeSnapshotStore) LoadCurrent(ctx context.Context) (*models.RunSnapshot, error) {
	var firstErr error
	for _, s := range t.stores {
		snap, err := s.LoadCurrent(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, firstErr
}

func (t *TeeSnapshotStore) ClearSnapshot(ctx context.Context, runID string) error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.ClearSnapshot(ctx, runID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
