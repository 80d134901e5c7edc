package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types journalled by the gateway.
const (
	TypeDiscoveryMerged   = "discovery.merged"
	TypeDiscoveryReverted = "discovery.reverted"
	TypeHeadingWritten    = "heading.written"
)

// Event represents a domain event
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Data is the event payload
	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithID replaces the generated ID, letting the journal drop duplicate appends
func (e Event) WithID(id string) Event {
	e.ID = id
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Publisher journals events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event. It is used when the journal is disabled.
type Nop struct{}

func (Nop) Publish(ctx context.Context, event Event) error { return nil }

// Memory keeps published events in process.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns the published events, optionally only those of one type
func (m *Memory) Events(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
