package events

import (
	"encoding/json"
	"sync"
	"time"

	"enlist/internal/models"
)

// Event types broadcast to progress sinks.
const (
	EventStatusUpdate       = "status_update"
	EventRegistrationResult = "registration_result"
	EventRunComplete        = "registration_complete"
)

// StatusUpdatePayload carries the aggregate run counters.
type StatusUpdatePayload struct {
	RunID     string `json:"run_id"`
	Mode      string `json:"mode"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Success   int    `json:"success"`
	Failed    int    `json:"failed"`
	Manual    int    `json:"manual"`
	Pending   int    `json:"pending"`
}

// NewStatusUpdate builds a status payload from run counters.
func NewStatusUpdate(runID, mode string, c models.Counters) StatusUpdatePayload {
	return StatusUpdatePayload{
		RunID:     runID,
		Mode:      mode,
		Processed: c.Processed,
		Total:     c.Total,
		Success:   c.Success,
		Failed:    c.Failed,
		Manual:    c.Manual,
		Pending:   c.Pending,
	}
}

// RegistrationResultPayload announces one task reaching (or changing) a
// terminal status.
type RegistrationResultPayload struct {
	RunID       string    `json:"run_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	AgentHandle string    `json:"agent_handle,omitempty"`
}

// RunCompletePayload announces the end of a run.
type RunCompletePayload struct {
	RunID    string          `json:"run_id"`
	Mode     string          `json:"mode"`
	Counters models.Counters `json:"counters"`
}

// Event represents a lightweight progress event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for progress events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
