package repository

import (
	"context"
	"sync/atomic"
	"time"

	"enlist/internal/domain"
	"enlist/internal/models"

	"github.com/rs/zerolog"
)

// FailoverSnapshotStore prefers the primary (redis) store and silently
// falls back to the secondary (memory) when the primary errors. The
// primary gets a recovery probe once a minute.
type FailoverSnapshotStore struct {
	primary   domain.SnapshotStore
	fallback  domain.SnapshotStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverSnapshotStore(primary, fallback domain.SnapshotStore, logger *zerolog.Logger) *FailoverSnapshotStore {
	return &FailoverSnapshotStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *FailoverSnapshotStore) SaveSnapshot(ctx context.Context, snap *models.RunSnapshot) error {
	if f.tryPrimary() {
		if err := f.primary.SaveSnapshot(ctx, snap); err == nil {
			return f.fallback.SaveSnapshot(ctx, snap)
		} else {
			f.markDown(err)
		}
	}
	return f.fallback.SaveSnapshot(ctx, snap)
}

func (f *FailoverSnapshotStore) LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	if f.tryPrimary() {
		snap, err := f.primary.LoadSnapshot(ctx, runID)
		if err == nil && snap != nil {
			return snap, nil
		}
		if err != nil {
			f.markDown(err)
		}
	}
	return f.fallback.LoadSnapshot(ctx, runID)
}

func (f *FailoverSnapshotStore) LoadCurrent(ctx context.Context) (*models.RunSnapshot, error) {
	if f.tryPrimary() {
		snap, err := f.primary.LoadCurrent(ctx)
		if err == nil && snap != nil {
			return snap, nil
		}
		if err != nil {
			f.markDown(err)
		}
	}
	return f.fallback.LoadCurrent(ctx)
}

func (f *FailoverSnapshotStore) ClearSnapshot(ctx context.Context, runID string) error {
	if f.tryPrimary() {
		if err := f.primary.ClearSnapshot(ctx, runID); err != nil {
			f.markDown(err)
		}
	}
	return f.fallback.ClearSnapshot(ctx, runID)
}

// tryPrimary reports whether the primary should be attempted, allowing a
// recovery probe after a minute of downtime.
func (f *FailoverSnapshotStore) tryPrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	last := time.Unix(f.lastCheck.Load(), 0)
	if time.Since(last) > time.Minute {
		f.isDown.Store(false)
		return true
	}
	return false
}

func (f *FailoverSnapshotStore) markDown(err error) {
	if f.logger != nil {
		f.logger.Error().Err(err).Msg("primary snapshot store failed, falling back to memory")
	}
	f.isDown.Store(true)
	f.lastCheck.Store(time.Now().Unix())
}
