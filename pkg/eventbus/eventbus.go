// Package eventbus provides the in-process implementation of events.Emitter
// with subscriber fan-out. For production this can be swapped for a
// WebSocket hub or IPC channel behind the same interface.
package eventbus

import (
	"sync"

	"github.com/lihuazhang/aicowork/pkg/events"
)

// Bus is a synchronous in-process event bus with fan-out to typed and
// catch-all subscribers.
type Bus struct {
	handlers    map[string][]func(events.Event)
	allHandlers []func(events.Event)
	mu          sync.RWMutex
	closed      bool
}

// New creates a new in-process event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]func(events.Event)),
	}
}

// Publish dispatches an event to all matching handlers.
// Handlers for the specific event type are called first, then global handlers.
func (b *Bus) Publish(event events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, handler := range b.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range b.allHandlers {
		handler(event)
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType string, handler func(events.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler func(events.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Close marks the bus as closed. No more events will be dispatched.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Verify interface compliance at compile time.
var _ events.Emitter = (*Bus)(nil)
