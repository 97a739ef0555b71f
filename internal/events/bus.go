package events

import (
	"sync"
	"time"
)

// EventType names a class of dispatch engine event.
type EventType string

const (
	// EventNotificationDelivered is published after a gateway accepts a message.
	EventNotificationDelivered EventType = "notification_delivered"
	// EventNotificationFailed is published when a send attempt fails and the
	// notification is rescheduled.
	EventNotificationFailed EventType = "notification_failed"
	// EventNotificationDeadLettered is published when the retry budget runs out.
	EventNotificationDeadLettered EventType = "notification_dead_lettered"
	// EventReminderFired is published when a task reminder produces its bundle.
	EventReminderFired EventType = "reminder_fired"
	// EventTodoReplicated is published after a fan-out set is persisted.
	EventTodoReplicated EventType = "todo_replicated"
)

// Event is one published occurrence plus its payload.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events for a type it registered for.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fanout. Each subscriber gets a
// buffered channel; when a subscriber falls behind, its events are dropped
// rather than stalling the publisher. The dispatcher must never block on an
// observer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. Delivery happens on a dedicated goroutine; a panic inside fn is
// swallowed so one bad observer cannot take the bus down.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
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

// Publish delivers an event to every subscriber of the type. Sends are
// non-blocking; a full subscriber channel drops the event for that subscriber.
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
