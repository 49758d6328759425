// Package stream fans audit entries out to live subscribers (the admin SSE
// feed). Entries arrive already hashed; nothing here sees plaintext PII.
package stream

import (
	"context"
	"sync"

	"arka.dev/console/internal/audit"
	"arka.dev/console/internal/obs"
)

const defaultBuffer = 16

// Hub fan-outs audit entries to all active subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan audit.Entry
	next   int
	buffer int
}

// New initialises an empty hub. buffer is the per-subscriber channel size.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[int]chan audit.Entry), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive
// entries. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan audit.Entry {
	ch := make(chan audit.Entry, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs e to all subscribers. Slow subscribers miss entries
// rather than block the request path.
func (h *Hub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			obs.AuditEntries("stream_dropped", 1)
		}
	}
}

// Subscribers reports how many subscribers are attached.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
