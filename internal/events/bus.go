package events

import "sync"

// Bus fans turn events out to in-process subscribers such as the
// /v1/events stream. Subscribers receive on buffered channels; a full
// subscriber misses events rather than blocking the turn. A nil *Bus
// drops everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan TurnEvent
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan TurnEvent)}
}

// ObserveTurn publishes ev to every subscriber without blocking.
func (b *Bus) ObserveTurn(ev TurnEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that ends
// the subscription and closes the channel. The cancel function is
// idempotent.
func (b *Bus) Subscribe(bufSize int) (<-chan TurnEvent, func()) {
	ch := make(chan TurnEvent, bufSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
