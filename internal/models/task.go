package models

import "time"

// TeamRegistration is a ledger entry made by another identity for the same event.
type TeamRegistration struct {
	Identity     string    `json:"identity"`
	RegisteredAt time.Time `json:"registered_at"`
}

// EventTask is one candidate registration unit. URL is the natural key
// both within a run and against the dedup ledger.
type EventTask struct {
	URL            string             `json:"url"`
	Title          string             `json:"title"`
	Date           string             `json:"date"` // free text as the platform renders it
	Selected       bool               `json:"selected"`
	IsRegistered   bool               `json:"is_registered"`
	IsNew          bool               `json:"is_new"`
	TeamRegistered []TeamRegistration `json:"team_registered,omitempty"`
	Status         string             `json:"status"`
	AgentHandle    string             `json:"agent_handle,omitempty"`
	Message        string             `json:"message,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// Terminal reports whether the task left the automatic pipeline.
func (t *EventTask) Terminal() bool {
	switch t.Status {
	case TaskSuccess, TaskFailed, TaskManual:
		return true
	}
	return false
}

// EventSeed is a discovered event as handed over by the scanner/operator,
// before ledger classification.
type EventSeed struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Date     string `json:"date"`
	Selected bool   `json:"selected"`
}
