package storage

import "time"

// EventType represents the type of storage event emitted.
type EventType string

const (
	EventScanSaved   EventType = "scan.saved"
	EventScanDeleted EventType = "scan.deleted"
)

// Event represents a change inside the storage layer that other subsystems can react to.
type Event struct {
	Type      EventType `json:"type"`
	ScanID    string    `json:"scanId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer reacts to storage events.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(Event)

// HandleStorageEvent implements the Observer interface.
func (f ObserverFunc) HandleStorageEvent(e Event) {
	f(e)
}

func newEvent(eventType EventType, scanID string, data any) Event {
	return Event{
		Type:      eventType,
		ScanID:    scanID,
		Data:      data,
		Timestamp: time.Now(),
	}
}
