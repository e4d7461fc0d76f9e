package models

import (
	"time"
)

// RunSettings are the operator-tunable knobs for one run.
type RunSettings struct {
	ConcurrencyLimit   int           `json:"concurrency_limit"`
	InterTaskDelay     time.Duration `json:"inter_task_delay"`
	Jitter             bool          `json:"jitter"`
	Calendar           string        `json:"calendar,omitempty"`
	SkipTeamRegistered bool          `json:"skip_team_registered"`
}

// Normalize fills zero values with defaults.
func (s *RunSettings) Normalize() {
	if s.ConcurrencyLimit <= 0 {
		s.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if s.InterTaskDelay <= 0 {
		s.InterTaskDelay = DefaultInterTaskDelayMS * time.Millisecond
	}
}

// Identity is the operator on whose behalf registrations are made.
type Identity struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Counters are the aggregate per-status task counts of a run.
// Pending counts everything not yet processed, active tasks included, so
// success+failed+manual+pending always equals total.
type Counters struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Manual    int `json:"manual"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Processed int `json:"processed"`
}

// RunState is the orchestrator-owned session. It is mutated only inside
// the orchestrator loop; everyone else gets Snapshot copies.
type RunState struct {
	ID         string
	Tasks      []*EventTask // enqueue order
	Settings   RunSettings
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time

	byURL map[string]*EventTask
}

// NewRunState builds a run from selected seeds in their given order.
func NewRunState(id string, seeds []EventSeed, settings RunSettings) *RunState {
	settings.Normalize()
	r := &RunState{
		ID:        id,
		Settings:  settings,
		Mode:      ModeIdle,
		StartedAt: time.Now(),
		byURL:     make(map[string]*EventTask),
	}
	for _, seed := range seeds {
		if !seed.Selected {
			continue
		}
		if _, dup := r.byURL[seed.URL]; dup {
			continue
		}
		task := &EventTask{
			URL:      seed.URL,
			Title:    seed.Title,
			Date:     seed.Date,
			Selected: true,
			Status:   TaskPending,
		}
		r.Tasks = append(r.Tasks, task)
		r.byURL[seed.URL] = task
	}
	return r
}

// Task returns the task for a URL, or nil.
func (r *RunState) Task(url string) *EventTask {
	return r.byURL[url]
}

// NextPending returns the first pending task in enqueue order, or nil.
func (r *RunState) NextPending() *EventTask {
	for _, t := range r.Tasks {
		if t.Status == TaskPending {
			return t
		}
	}
	return nil
}

// Counters recomputes aggregate counts from the task set.
func (r *RunState) Counters() Counters {
	var c Counters
	c.Total = len(r.Tasks)
	for _, t := range r.Tasks {
		switch t.Status {
		case TaskSuccess:
			c.Success++
		case TaskFailed:
			c.Failed++
		case TaskManual:
			c.Manual++
		case TaskActive:
			c.Active++
			c.Pending++
		default:
			c.Pending++
		}
	}
	c.Processed = c.Success + c.Failed + c.Manual
	return c
}

// ActiveCount returns the number of tasks currently in active state.
func (r *RunState) ActiveCount() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Status == TaskActive {
			n++
		}
	}
	return n
}

// Done reports whether no task can still make automatic progress.
func (r *RunState) Done() bool {
	for _, t := range r.Tasks {
		if t.Status == TaskPending || t.Status == TaskActive {
			return false
		}
	}
	return true
}

// Snapshot produces an immutable copy safe to hand to progress sinks.
func (r *RunState) Snapshot() *RunSnapshot {
	snap := &RunSnapshot{
		RunID:      r.ID,
		Mode:       r.Mode,
		Settings:   r.Settings,
		Counters:   r.Counters(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		UpdatedAt:  time.Now(),
		Tasks:      make([]EventTask, 0, len(r.Tasks)),
	}
	for _, t := range r.Tasks {
		copied := *t
		if t.TeamRegistered != nil {
			copied.TeamRegistered = append([]TeamRegistration(nil), t.TeamRegistered...)
		}
		snap.Tasks = append(snap.Tasks, copied)
	}
	return snap
}

// RunSnapshot is the durable, read-only view of a run written after every
// state transition.
type RunSnapshot struct {
	RunID      string      `json:"run_id"`
	Mode       string      `json:"mode"`
	Settings   RunSettings `json:"settings"`
	Counters   Counters    `json:"counters"`
	Tasks      []EventTask `json:"tasks"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
