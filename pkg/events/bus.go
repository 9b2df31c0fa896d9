package events

import (
	"log"
	"sync"
)

// Bus delivers published events to every subscriber without blocking the
// publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan *Event]struct{}
	dropped func(e *Event)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan *Event]struct{})}
}

// OnDrop registers a callback invoked when a subscriber is too far behind to
// take an event.
func (b *Bus) OnDrop(fn func(e *Event)) {
	b.mu.Lock()
	b.dropped = fn
	b.mu.Unlock()
}

// Publish fans e out to all subscribers.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Printf("events: subscriber behind, dropped %s %s", e.Type, e.TaskID)
			if b.dropped != nil {
				b.dropped(e)
			}
		}
	}
}

// Subscribe returns a buffered channel that receives all new events.
func (b *Bus) Subscribe() chan *Event {
	ch := make(chan *Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
