package relay

import (
	"context"
	"sync"

	"github.com/dgellow/tinyls-client/internal/log"
	"go.opentelemetry.io/otel/trace"
)

type settlement int

const (
	pending settlement = iota
	settling
	settled
)

// Handshake is one attempt to obtain a credential through the relay. It
// settles exactly once: the first of token, abandonment, timeout or
// cancellation to claim it wins, and every later signal is a no-op.
type Handshake struct {
	ID       string
	Provider string
	Mode     Mode

	ctx  context.Context
	span trace.Span
	done chan struct{}
	stop chan struct{}

	mu          sync.Mutex
	state       settlement
	err         error
	handle      Handle
	unsubscribe func()
}

func newHandshake(ctx context.Context, span trace.Span, id, provider string, mode Mode) *Handshake {
	return &Handshake{
		ID:       id,
		Provider: provider,
		Mode:     mode,
		ctx:      ctx,
		span:     span,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Done is closed once the handshake has settled
func (h *Handshake) Done() <-chan struct{} {
	return h.done
}

// Err returns nil while pending and after a successful login, otherwise
// the settlement error
func (h *Handshake) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the handshake settles or ctx is done. A ctx passed
// here only stops waiting; cancelling the handshake itself is done
// through the context given to Start.
func (h *Handshake) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setUnsubscribe records the listener teardown. If the handshake was
// claimed before the listener was recorded, it is removed right away.
func (h *Handshake) setUnsubscribe(fn func()) {
	h.mu.Lock()
	if h.state == pending {
		h.unsubscribe = fn
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// setHandle records the popup. A popup that opens after settlement is
// closed immediately.
func (h *Handshake) setHandle(handle Handle) {
	h.mu.Lock()
	if h.state == pending {
		h.handle = handle
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	closeHandle(h.ID, handle)
}

// claim moves the handshake from pending to settling and releases the
// listener, the watcher and the popup together. Only the first caller
// gets true.
func (h *Handshake) claim() bool {
	h.mu.Lock()
	if h.state != pending {
		h.mu.Unlock()
		return false
	}
	h.state = settling
	unsubscribe := h.unsubscribe
	handle := h.handle
	h.mu.Unlock()

	close(h.stop)
	if unsubscribe != nil {
		unsubscribe()
	}
	if handle != nil {
		closeHandle(h.ID, handle)
	}
	return true
}

func (h *Handshake) settle(err error) {
	h.mu.Lock()
	h.state = settled
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func closeHandle(id string, handle Handle) {
	if handle.Closed() {
		return
	}
	if err := handle.Close(); err != nil {
		log.LogDebugWithFields("relay", "Failed to close login window", map[string]any{
			"handshake": id,
			"error":     err.Error(),
		})
	}
}
