// Package ledger talks to the shared dedup ledger: the team-wide record of
// who registered for what. All backends expose the same action surface:
// getScanStatus, addRegistration, getAllData, getCalendars. Ledger
// unavailability is survivable by design; callers degrade to "no prior
// data" and best-effort appends.
package ledger

import (
	"errors"
	"strings"

	"enlist/internal/models"
)

// ErrUnavailable wraps any transport or service failure so callers can
// degrade dedup instead of failing the run.
var ErrUnavailable = errors.New("ledger unavailable")

// ReasonDuplicate is the service's rejection reason for an already-known
// (event_url, person_email) pair.
const ReasonDuplicate = "duplicate"

// buildScanStatus folds raw records into the two dedup sets, applying the
// case-insensitive email rule.
func buildScanStatus(records []models.LedgerRecord, email string) *models.ScanStatus {
	status := models.EmptyScanStatus()
	me := strings.ToLower(strings.TrimSpace(email))
	for _, rec := range records {
		recEmail := strings.ToLower(strings.TrimSpace(rec.PersonEmail))
		if recEmail == me {
			status.MyRegistrations[rec.EventURL] = struct{}{}
			continue
		}
		status.SeenEvents[rec.EventURL] = append(status.SeenEvents[rec.EventURL], models.TeamRegistration{
			Identity:     rec.PersonEmail,
			RegisteredAt: rec.RegisteredAt,
		})
	}
	return status
}
