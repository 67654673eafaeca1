// Package callback is the loopback HTTP surface at the application
// origin. The OAuth2 flow ends on its callback page, which posts the
// token back to the same origin where the relay is listening.
package callback

import (
	"encoding/json"
	"mime"
	"net/http"

	jsonwriter "github.com/dgellow/tinyls-client/internal/json"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/metrics"
	"github.com/dgellow/tinyls-client/internal/relay"
	"github.com/go-chi/chi/v5"
)

const (
	// CallbackPath is the page the backend redirects to with ?token=
	CallbackPath = "/oauth2-callback"
	// MessagePath receives {token} posted by the callback page
	MessagePath = "/relay/message"

	maxMessageSize = 64 << 10
)

type messageRequest struct {
	Token string `json:"token"`
}

// Handler serves the loopback routes
type Handler struct {
	hub     *Hub
	metrics *metrics.Metrics
}

// NewHandler creates the handler. m may be nil, in which case /metrics
// is not served.
func NewHandler(hub *Hub, m *metrics.Metrics) *Handler {
	return &Handler{hub: hub, metrics: m}
}

// Register mounts the routes on r
func (h *Handler) Register(r chi.Router) {
	r.Get(CallbackPath, h.handleCallbackPage)
	r.Post(MessagePath, h.handleMessage)
	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
}

// NewRouter builds the complete loopback router
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestLogger)
	r.Use(securityHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonwriter.WriteNotFound(w, "Not found")
	})
	h.Register(r)
	return r
}

func (h *Handler) handleCallbackPage(w http.ResponseWriter, r *http.Request) {
	data := CallbackPageData{
		Token:       r.URL.Query().Get("token"),
		MessagePath: MessagePath,
	}
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		log.LogWarnWithFields("callback", "OAuth2 flow returned an error", map[string]any{
			"error": errParam,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackPageTemplate.Execute(w, data); err != nil {
		log.LogErrorWithFields("callback", "Failed to render callback page", map[string]any{
			"error": err.Error(),
		})
	}
}

// handleMessage turns a posted token into a relay message stamped with
// the browser-supplied Origin header
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		jsonwriter.WriteUnsupportedMediaType(w, "Expected application/json")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid message body")
		return
	}

	delivered := h.hub.Publish(relay.Message{
		Origin: r.Header.Get("Origin"),
		Token:  req.Token,
	})

	_ = jsonwriter.WriteResponse(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"delivered": delivered > 0,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, map[string]string{"status": "ok"})
}
