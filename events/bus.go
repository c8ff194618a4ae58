package events

import (
	"sync"

	"github.com/google/uuid"
)

const defaultHistory = 1000

type handlerEntry struct {
	id      int
	handler Handler
}

// Bus is a thread-safe in-process event bus with a bounded history.
// A nil *Bus is valid and drops everything, so publishers don't need
// to care whether anyone is listening.
type Bus struct {
	mu      sync.RWMutex
	entries []handlerEntry
	nextID  int
	history []Event
	maxHist int
}

// NewBus creates a Bus with a 1000-event history cap.
func NewBus() *Bus {
	return &Bus{maxHist: defaultHistory}
}

// Publish assigns the event an id and delivers it to every subscriber.
// Handlers run synchronously on the publisher's goroutine; they must
// not block.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	targets := make([]Handler, 0, len(b.entries))
	for _, entry := range b.entries {
		targets = append(targets, entry.handler)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(e)
	}
}

// Subscribe registers a handler for all events. The returned function
// unsubscribes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.entries = append(b.entries, handlerEntry{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		filtered := b.entries[:0]
		for _, entry := range b.entries {
			if entry.id != id {
				filtered = append(filtered, entry)
			}
		}
		b.entries = filtered
	}
}

// History returns the most recent limit events in chronological order.
// limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
