// Package events defines orchestration events and a synchronous observer bus.
//
// Events are append-only observations of state changes; they carry no
// control authority. Replaying them never mutates orchestrator state.
package events

import (
	"sync"
	"time"
)

// Type discriminates orchestration events
type Type string

const (
	TypeTaskStarted    Type = "task_started"
	TypeThinking       Type = "thinking"
	TypeToolStarted    Type = "tool_started"
	TypeToolOutput     Type = "tool_output"
	TypeToolCompleted  Type = "tool_completed"
	TypePlanCreated    Type = "plan_created"
	TypePhaseStarted   Type = "phase_started"
	TypePhaseCompleted Type = "phase_completed"
	TypeMessage        Type = "message"
	TypeTaskFailed     Type = "task_failed"
)

// Event is a single orchestration notification
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time
func New(t Type, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Handler receives published events
type Handler func(Event)

// Bus fans events out to subscribers synchronously, in emission order.
// Multiple consumers (UI stream, audit log, console) can attach without
// the publisher knowing about transport.
type Bus struct {
	mu   sync.Mutex
	subs []Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish delivers the event to every subscriber in subscription order.
// Delivery is synchronous; the bus never buffers or reorders.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	subs := make([]Handler, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, h := range subs {
		h(evt)
	}
}

// Emit constructs and publishes an event in one step
func (b *Bus) Emit(t Type, data map[string]any) {
	b.Publish(New(t, data))
}
