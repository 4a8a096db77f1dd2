// Package events carries process lifecycle notifications between the
// engine and whoever wants to observe it.
package events

import (
	"github.com/kelindar/event"
)

// Bus is a typed publish/subscribe hub. Handlers run asynchronously on the
// dispatcher's goroutines, in publish order per event type.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Emit publishes ev to every handler registered for T. Emitting on a nil
// bus does nothing, so callers need not check whether one was configured.
func Emit[T Event](b *Bus, ev T) {
	if b == nil {
		return
	}
	event.Publish(b.dispatcher, ev)
}

// On registers fn for events of type T and returns a function that removes
// it.
func On[T Event](b *Bus, fn func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, fn)
}
