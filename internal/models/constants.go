package models

// Task statuses.
const (
	TaskPending = "pending"
	TaskActive  = "active"
	TaskSuccess = "success"
	TaskFailed  = "failed"
	TaskManual  = "manual"
)

// Run modes.
const (
	ModeIdle     = "idle"
	ModeScanning = "scanning"
	ModeRunning  = "running"
	ModePaused   = "paused"
	ModeStopped  = "stopped"
	ModeComplete = "complete"
)

// Page classifications reported by an inspector.
const (
	PageNotEventPage      = "not_event_page"
	PageAlreadyRegistered = "already_registered"
	PageEventFull         = "event_full"
	PageReadyToRegister   = "ready_to_register"
	PageUnknown           = "unknown"
)

const (
	// DefaultConcurrencyLimit bounds simultaneously open agents.
	DefaultConcurrencyLimit = 3

	// DefaultInterTaskDelayMS is the cooldown between task promotions.
	DefaultInterTaskDelayMS = 2000

	// DefaultSnapshotTTL is the redis lifetime of a live run snapshot, seconds.
	DefaultSnapshotTTL = 24 * 60 * 60

	// AppendQueueSize is the in-memory append worker queue capacity.
	AppendQueueSize = 128
)
