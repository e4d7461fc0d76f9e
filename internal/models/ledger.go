package models

import (
	"strings"
	"time"
)

// LedgerRecord is one (event, person) registration pair in the shared ledger.
// Append-only from this process; the ledger service owns deletion.
type LedgerRecord struct {
	EventURL     string    `json:"event_url"`
	Title        string    `json:"title"`
	EventDate    string    `json:"event_date"`
	PersonEmail  string    `json:"person_email"`
	PersonName   string    `json:"person_name"`
	Calendar     string    `json:"calendar,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DedupKey is the duplicate suppression key: event URL plus email,
// case-insensitive on the email side.
func (r LedgerRecord) DedupKey() string {
	return r.EventURL + "|" + strings.ToLower(strings.TrimSpace(r.PersonEmail))
}

// ScanStatus is the point-in-time dedup view fetched before a run.
type ScanStatus struct {
	// SeenEvents holds every URL ever recorded by anyone.
	SeenEvents map[string][]TeamRegistration
	// MyRegistrations holds URLs recorded under the current identity.
	MyRegistrations map[string]struct{}
}

// EmptyScanStatus is what a ledger outage degrades to: no prior data.
func EmptyScanStatus() *ScanStatus {
	return &ScanStatus{
		SeenEvents:      make(map[string][]TeamRegistration),
		MyRegistrations: make(map[string]struct{}),
	}
}

// Classify fills the dedup flags of a task from the scan status.
func (s *ScanStatus) Classify(task *EventTask) {
	if s == nil {
		task.IsNew = true
		return
	}
	if _, mine := s.MyRegistrations[task.URL]; mine {
		task.IsRegistered = true
		return
	}
	team, seen := s.SeenEvents[task.URL]
	if !seen {
		task.IsNew = true
		return
	}
	task.TeamRegistered = append([]TeamRegistration(nil), team...)
}

// AppendTask is a queued best-effort ledger append.
type AppendTask struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	EventURL    string     `json:"event_url"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
