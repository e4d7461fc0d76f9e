package ledger

import (
	"context"

	"enlist/internal/models"
)

// Disabled is the no-ledger backend: every event looks new, every append
// succeeds locally without being recorded anywhere.
type Disabled struct{}

func (Disabled) GetScanStatus(ctx context.Context, email, calendar string) (*models.ScanStatus, error) {
	return models.EmptyScanStatus(), nil
}

func (Disabled) AddRegistration(ctx context.Context, rec *models.LedgerRecord) (bool, string, error) {
	return true, "", nil
}

func (Disabled) GetAllData(ctx context.Context, calendar string) ([]models.LedgerRecord, error) {
	return nil, nil
}

func (Disabled) GetCalendars(ctx context.Context) ([]string, error) {
	return nil, nil
}
