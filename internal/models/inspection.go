package models

// Classification is one inspector verdict over a rendered page.
// ActionHandle is set only for ready_to_register and opaquely identifies
// the locatable registration control.
type Classification struct {
	Type         string `json:"type"`
	ActionHandle string `json:"action_handle,omitempty"`
}

// ActivationResult is the outcome of triggering the registration control.
// On failure Reason carries the classification the page resolved to.
type ActivationResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}
