package events

import (
	"log/slog"
	"sync"
	"time"
)

// Topics published inside the backend.
const (
	// TopicContainerState carries a model.Container whose State changed.
	TopicContainerState = "container.state"
	// Wildcard subscribes to every topic.
	Wildcard = "*"
)

// Event represents something that happened in the system.
type Event struct {
	Type    string      `json:"type"`    // e.g. "container.state"
	Payload interface{} `json:"payload"` // topic-specific data
	Source  string      `json:"source"`  // "action" or "watcher"
	Time    time.Time   `json:"time"`
}

// Handler is a callback that processes an event.
type Handler func(event Event)

type subscription struct {
	id int
	h  Handler
}

// Bus is an in-memory publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string][]subscription
	logger   *slog.Logger
}

// NewBus creates a new Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type and returns a func
// that removes it. Use Wildcard to subscribe to all events.
func (b *Bus) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, h: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

func (b *Bus) remove(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
}

// Publish dispatches an event to all matching subscribers.
// Handlers are invoked synchronously in registration order, specific topic
// first and wildcard after. A panicking handler is recovered and logged
// without affecting others.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers[Wildcard]))
	for _, s := range b.handlers[event.Type] {
		handlers = append(handlers, s.h)
	}
	for _, s := range b.handlers[Wildcard] {
		handlers = append(handlers, s.h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", event.Type,
						"source", event.Source,
						"panic", r,
					)
				}
			}()
			h(event)
		}()
	}
}
