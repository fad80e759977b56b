package engine

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the engine event stream.
const (
	EventStatus      = "status"      // general engine activity
	EventAlert       = "alert"       // drift alert raised or resolved
	EventNarrative   = "narrative"   // narrative generated
	EventMaintenance = "maintenance" // maintenance kind activity
	EventError       = "error"       // background failure
)

// Event is a single event broadcast to subscribers.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans out events to all subscribers. Thread-safe; subscribers
// that fall behind have events dropped (they can catch up via Recent).
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all subscribers. Non-blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// subscriber too slow — drop
		}
	}
}

// Subscribe creates a new subscriber. The caller must Unsubscribe with the
// returned done channel.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns the last n events.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()
	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	out := make([]Event, n)
	copy(out, eb.recent[len(eb.recent)-n:])
	return out
}
