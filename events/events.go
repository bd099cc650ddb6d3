// Package events pushes state changes to the kiosk presentation layer so
// it can re-render without polling.
package events

import (
	"time"
)

// Event type constants.
const (
	EventStateChanged = "employee.state_changed"
	EventQueueChanged = "queue.changed"
	EventSyncStatus   = "sync.status"
)

// Event is one application event delivered to connected UI clients.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Dispatcher delivers events to whoever is listening. The core mutates
// state through it without knowing about WebSockets.
type Dispatcher interface {
	Dispatch(event Event)
}

// NopDispatcher discards all events. Used in tests and headless runs.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(Event) {}
