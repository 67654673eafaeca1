package callback

import (
	"sync"

	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/relay"
)

// Ensure Hub implements relay.MessageSource
var _ relay.MessageSource = (*Hub)(nil)

// Hub fans messages posted to the loopback surface out to subscribers.
// It does no validation; receivers check the origin themselves.
type Hub struct {
	mu   sync.Mutex
	next int
	subs []hubSubscriber
}

type hubSubscriber struct {
	id int
	fn func(relay.Message)
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers fn. Handlers run on the publishing goroutine and
// may unsubscribe themselves.
func (h *Hub) Subscribe(fn func(relay.Message)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs = append(h.subs, hubSubscriber{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers m to every current subscriber and returns how many
// received it
func (h *Hub) Publish(m relay.Message) int {
	h.mu.Lock()
	fns := make([]func(relay.Message), len(h.subs))
	for i, s := range h.subs {
		fns[i] = s.fn
	}
	h.mu.Unlock()

	log.LogTraceWithFields("callback", "Publishing message", map[string]any{
		"origin":      m.Origin,
		"subscribers": len(fns),
	})
	for _, fn := range fns {
		fn(m)
	}
	return len(fns)
}
