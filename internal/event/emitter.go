// Package event provides generic event emission utilities.
package event

import "sync"

// Emitter provides thread-safe event emission with handler registration.
// The registry uses it to publish agent presence changes without holding
// its own lock across handler callbacks.
type Emitter[E any] struct {
	mu sync.RWMutex
	// +checklocks:mu
	handlers map[int]func(E)
	// +checklocks:mu
	next int
}

// OnEvent registers an event handler and returns a function that removes it.
// Handlers are called synchronously, in unspecified order, when events are
// emitted.
func (e *Emitter[E]) OnEvent(handler func(E)) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(E))
	}
	key := e.next
	e.next++
	e.handlers[key] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, key)
	}
}

// Emit sends an event to all registered handlers.
// Handlers are called on a snapshot of the handler set so registration and
// removal during emission are safe. Must not be called with the lock held.
func (e *Emitter[E]) Emit(event E) {
	e.mu.RLock()
	handlers := make([]func(E), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
