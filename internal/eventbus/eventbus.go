// Package eventbus provides an in-process pub/sub bus for task lifecycle,
// orphan recovery, and daemon restart events. Subscribers get buffered
// channels; a slow subscriber drops events rather than blocking publishers.
package eventbus

import (
	"strconv"
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeTaskDispatched  Type = "task:dispatched"
	TypeTaskCompleted   Type = "task:completed"
	TypeTaskFailed      Type = "task:failed"
	TypeTaskCancelled   Type = "task:cancelled"
	TypeTaskPaused      Type = "task:paused"
	TypeOrphanDetected  Type = "orphan:detected"
	TypeOrphanRecovered Type = "orphan:recovered"
	TypeDaemonRestart   Type = "daemon:restart"
)

// Event is a single bus message.
type Event struct {
	Type      Type
	TaskID    string
	Timestamp time.Time
	Data      map[string]any // type-specific payload
}

// Bus is an in-process event bus. Thread-safe for concurrent
// publish/subscribe operations.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	nextID      int
	closed      bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe creates a subscription and returns a channel for receiving
// events. The unsubscribe function must be called when done.
func (b *Bus) Subscribe() (events <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := strconv.Itoa(b.nextID)
	ch := make(chan Event, 100) // buffer so publishers never block
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Publish sends an event to all subscribers. Non-blocking: a full
// subscriber channel drops the event for that subscriber only.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber; drop rather than stall the scheduler.
		}
	}
}

// PublishTask is a convenience for task-scoped events.
func (b *Bus) PublishTask(t Type, taskID string, data map[string]any) {
	b.Publish(Event{Type: t, TaskID: taskID, Data: data})
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
