// Package broadcast fans task snapshots out to live subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the event and is
// expected to reconcile through the task store.
package broadcast

import (
	"sync"
	"time"

	"github.com/throw-if-null/argon/internal/api"
)

// Buffer is the per-subscriber channel capacity.
const Buffer = 16

type subscriber chan api.Event

type Hub struct {
	mu sync.RWMutex
	subs   map[subscriber]struct{}
	closed bool
}

func NewHub() *Hub { return &Hub{subs: map[subscriber]struct{}{}} }

// Subscribe registers a new feed. The returned cancel func removes it and
// closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan api.Event, func()) {
	ch := make(subscriber, Buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers a snapshot of t to every subscriber without blocking.
// Each subscriber gets its own copy.
func (h *Hub) Publish(t *api.Task) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		ev := api.Event{Event: api.EventTaskUpdate, TaskID: t.TaskID, Timestamp: now, Task: t.Clone()}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the number of live feeds.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every feed. Later subscriptions receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
