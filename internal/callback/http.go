package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dgellow/tinyls-client/internal/log"
)

// HTTPServer runs the loopback listener
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer creates a server for handler on addr
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Listen binds the address so a busy port is reported before any browser
// window is opened
func (h *HTTPServer) Listen() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.server.Addr, err)
	}
	h.listener = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen
func (h *HTTPServer) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.server.Addr
}

// Start serves until Stop is called, binding first if needed
func (h *HTTPServer) Start() error {
	if h.listener == nil {
		if err := h.Listen(); err != nil {
			return err
		}
	}

	log.LogInfoWithFields("http", "Loopback server starting", map[string]any{
		"addr": h.Addr(),
	})

	if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogDebugWithFields("http", "Loopback server stopping", map[string]any{
		"addr": h.Addr(),
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "Loopback server stopped", map[string]any{
		"addr": h.Addr(),
	})
	return nil
}
