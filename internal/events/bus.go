// Package events provides the in-process event bus the scheduler publishes
// task lifecycle events on. Dispatch is synchronous and fire-and-forget:
// a panicking or failing handler is logged and never unsubscribed.
package events

import (
	"sync"

	"spaceduck/internal/shared/logging"
)

// Handler receives the payload published for an event name.
type Handler func(payload any)

// Subscription identifies a registered handler so it can be removed.
type Subscription uint64

type registration struct {
	id      Subscription
	handler Handler
}

// Bus is a named-event publish/subscribe hub.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   Subscription
	logger   logging.Logger
}

// NewBus creates an event bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]registration),
		logger:   logging.OrNop(logger),
	}
}

// On registers a handler for the event name and returns its subscription.
func (b *Bus) On(name string, handler Handler) Subscription {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], registration{id: id, handler: handler})
	return id
}

// Off removes the subscription from the event name. Unknown subscriptions
// are ignored.
func (b *Bus) Off(name string, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[name]
	for i, reg := range regs {
		if reg.id == sub {
			b.handlers[name] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.handlers[name]) == 0 {
		delete(b.handlers, name)
	}
}

// Emit dispatches payload to every handler registered for name, in
// registration order. Handler panics are contained per handler.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[name]))
	copy(regs, b.handlers[name])
	b.mu.RUnlock()

	for _, reg := range regs {
		b.dispatch(name, reg, payload)
	}
}

func (b *Bus) dispatch(name string, reg registration, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events: handler for %q panicked: %v", name, r)
		}
	}()
	reg.handler(payload)
}

// HandlerCount returns the number of handlers registered for name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
