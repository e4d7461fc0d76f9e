package domain

import (
	"context"

	"enlist/internal/models"
)

// Agent is one isolated browsing context driving a single event page.
// GetState re-reads the page and classifies it; Activate triggers the
// registration control. Agents are disposable but deliberately kept open
// on failed/manual outcomes so an operator can take over.
type Agent interface {
	Handle() string
	URL() string
	GetState(ctx context.Context) (models.Classification, error)
	Activate(ctx context.Context) (models.ActivationResult, error)
	Close() error
}

// AgentFactory opens a fresh agent scoped to one event URL.
type AgentFactory interface {
	Open(ctx context.Context, url string) (Agent, error)
}

// LedgerClient talks to the shared dedup ledger service.
type LedgerClient interface {
	GetScanStatus(ctx context.Context, email, calendar string) (*models.ScanStatus, error)
	AddRegistration(ctx context.Context, rec *models.LedgerRecord) (added bool, reason string, err error)
	GetAllData(ctx context.Context, calendar string) ([]models.LedgerRecord, error)
	GetCalendars(ctx context.Context) ([]string, error)
}

// SnapshotStore persists run snapshots for progress sinks and restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *models.RunSnapshot) error
	LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error)
	LoadCurrent(ctx context.Context) (*models.RunSnapshot, error)
	ClearSnapshot(ctx context.Context, runID string) error
}

// EventPublisher fans progress events out to subscribed sinks.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// AppendQueue accepts confirmed registrations for best-effort ledger append.
type AppendQueue interface {
	EnqueueAppend(ctx context.Context, runID string, rec models.LedgerRecord) error
}
