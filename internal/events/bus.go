package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventRequestEnqueued is published when a command is admitted.
	EventRequestEnqueued EventType = "request_enqueued"
	// EventRequestCompleted is published when a request produced a response.
	EventRequestCompleted EventType = "request_completed"
	// EventRequestRequeued is published when a failed request re-enters the queue.
	EventRequestRequeued EventType = "request_requeued"
	// EventRequestDeadLettered is published when a request is terminally parked.
	EventRequestDeadLettered EventType = "request_dead_lettered"
	// EventRequestRateLimited is published when admission to an agent is denied.
	EventRequestRateLimited EventType = "request_rate_limited"
	// EventFallbackUsed is published when a fallback strategy produced the response.
	EventFallbackUsed EventType = "fallback_used"
	// EventCircuitOpened is published when an agent's breaker opens.
	EventCircuitOpened EventType = "circuit_opened"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			// Recover so a panicking subscriber cannot kill delivery
			func() {
				defer func() {
					if r := recover(); r != nil {
					}
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers one subscriber for every known event type, for
// sinks like the audit log that record the whole request lifecycle.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	types := []EventType{
		EventRequestEnqueued, EventRequestCompleted, EventRequestRequeued,
		EventRequestDeadLettered, EventRequestRateLimited,
		EventFallbackUsed, EventCircuitOpened,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to all subscribers of the given type.
// If a subscriber's channel is full, the event is dropped for that
// subscriber rather than blocking the dispatch path.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
