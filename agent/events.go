package agent

import (
	"sync"
	"time"
)

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	EventSessionStarted    EventKind = "session_started"
	EventSessionCompleted  EventKind = "session_completed"
	EventSessionError      EventKind = "session_error"
	EventSessionStopped    EventKind = "session_stopped"
	EventIterationStarted  EventKind = "iteration_started"
	EventIterationFinished EventKind = "iteration_finished"
	EventAssistantMessage  EventKind = "assistant_message"
	EventToolStarted       EventKind = "tool_started"
	EventToolCompleted     EventKind = "tool_completed"
	EventLoopDetected      EventKind = "loop_detected"
	EventContextTruncated  EventKind = "context_truncated"
	EventRateLimited       EventKind = "rate_limited"
)

// Event is a single notification on the side channel.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter fans events out to subscribers over buffered channels.
// Emission never blocks: a subscriber that falls behind drops events
// rather than stalling the control loop.
type EventEmitter struct {
	mu        sync.RWMutex
	subs      []chan Event
	sessionID string
	closed    bool
}

// NewEventEmitter creates an emitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{}
}

// SetSessionID stamps subsequent events with the given session id.
func (e *EventEmitter) SetSessionID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = id
}

// Subscribe returns a channel receiving all subsequent events. The
// channel is closed by Close.
func (e *EventEmitter) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, 256)
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// Emit publishes an event to all subscribers without blocking.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	ev := Event{Kind: kind, Timestamp: time.Now(), SessionID: e.sessionID, Data: data}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the loop.
		}
	}
}

// Close shuts the emitter down and closes all subscriber channels.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
