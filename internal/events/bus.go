package events

import (
	"sync"
	"time"
)

// EventSource represents the source of an event
type EventSource string

const (
	EventSourceIRC    EventSource = "irc"
	EventSourceState  EventSource = "state"
	EventSourceSystem EventSource = "system"
)

// State-change event types. The state store posts these instead of relying
// on reference-identity comparison by an observing layer.
const (
	EventNetworkChanged = "state.network.changed"
	EventBufferChanged  = "state.buffer.changed"
	EventBufferCreated  = "state.buffer.created"
	EventBufferDeleted  = "state.buffer.deleted"
	EventActiveBuffer   = "state.buffer.active"
)

// Session event types
const (
	EventSessionError = "session.error"
	EventNotification = "session.notification"
	EventConnected    = "session.connected"
	EventDisconnected = "session.disconnected"
)

// Event represents a generic event
type Event struct {
	Type      string
	Data      map[string]interface{}
	Timestamp time.Time
	Source    EventSource
}

// Subscriber is an interface for event subscribers
type Subscriber interface {
	OnEvent(event Event)
}

// SubscriberFunc adapts a plain function to the Subscriber interface
type SubscriberFunc func(event Event)

func (f SubscriberFunc) OnEvent(event Event) { f(event) }

// EventBus manages event routing
type EventBus struct {
	subscribers map[string][]Subscriber
	mu          sync.RWMutex
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe subscribes a subscriber to a specific event type. Subscribe to
// "*" to receive every event.
func (eb *EventBus) Subscribe(eventType string, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// Unsubscribe removes a subscriber from an event type
func (eb *EventBus) Unsubscribe(eventType string, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, sub := range subs {
		if sub == subscriber {
			eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (eb *EventBus) snapshot(eventType string) []Subscriber {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	subs := make([]Subscriber, 0, len(eb.subscribers[eventType])+len(eb.subscribers["*"]))
	subs = append(subs, eb.subscribers[eventType]...)
	subs = append(subs, eb.subscribers["*"]...)
	return subs
}

// Emit emits an event to all subscribers asynchronously
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range eb.snapshot(event.Type) {
		go sub.OnEvent(event)
	}
}

// EmitSync emits an event synchronously (for testing or when order matters)
func (eb *EventBus) EmitSync(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range eb.snapshot(event.Type) {
		sub.OnEvent(event)
	}
}
