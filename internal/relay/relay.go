// Package relay brokers an OAuth2 login performed in a separate browser
// window back into the running process.
//
// The relay listens for a {token} message from the application origin,
// opens the provider's authorization page, and hands the token to the
// session. Each Relay runs at most one handshake at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/tinyls-client/internal/credential"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/dgellow/tinyls-client/internal/relay")

// DefaultPollInterval is how often an open popup is checked for closure
const DefaultPollInterval = 500 * time.Millisecond

// Mode is how the authorization page is presented
type Mode int

const (
	// ModePopup opens a sized window whose closure can be observed
	ModePopup Mode = iota
	// ModeTab hands the page to the default browser with no handle
	ModeTab
)

func (m Mode) String() string {
	if m == ModeTab {
		return "tab"
	}
	return "popup"
}

// Message is what the callback page posts back to the application
type Message struct {
	Origin string
	Token  string
}

// MessageSource delivers messages posted to the application origin.
// Handlers may call their own unsubscribe function.
type MessageSource interface {
	Subscribe(fn func(Message)) (unsubscribe func())
}

// Handle is an open popup
type Handle interface {
	Closed() bool
	Close() error
}

// Opener opens a popup window
type Opener interface {
	Open(ctx context.Context, target string, w Window) (Handle, error)
}

// Navigator sends the user to a URL without giving back a handle
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// Authenticator commits a credential to the session
type Authenticator interface {
	Login(ctx context.Context, c credential.Credential) error
}

// Config holds the relay's fixed parameters
type Config struct {
	// Origin is the application origin; messages from anywhere else are ignored
	Origin string

	// AuthorizeURL builds the backend authorization URL for a provider
	AuthorizeURL func(provider string) string

	Screen       Screen
	PollInterval time.Duration

	// MaxWait bounds a handshake; zero waits until a token, abandonment
	// or cancellation
	MaxWait time.Duration
}

// Relay runs OAuth2 handshakes
type Relay struct {
	cfg       Config
	source    MessageSource
	auth      Authenticator
	opener    Opener
	navigator Navigator
	detect    func() Mode
	metrics   *metrics.Metrics

	mu       sync.Mutex
	pending  *Handshake
	starting bool
}

// Option configures a Relay
type Option func(*Relay)

// WithOpener replaces the popup opener
func WithOpener(o Opener) Option {
	return func(r *Relay) {
		r.opener = o
	}
}

// WithNavigator replaces the tab-mode navigator
func WithNavigator(n Navigator) Option {
	return func(r *Relay) {
		r.navigator = n
	}
}

// WithModeDetector replaces capability detection
func WithModeDetector(detect func() Mode) Option {
	return func(r *Relay) {
		r.detect = detect
	}
}

// WithMetrics records handshake outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// New creates a relay
func New(cfg Config, source MessageSource, auth Authenticator, opts ...Option) (*Relay, error) {
	if cfg.Origin == "" {
		return nil, errors.New("relay origin is required")
	}
	if cfg.AuthorizeURL == nil {
		return nil, errors.New("relay authorize URL builder is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	r := &Relay{
		cfg:       cfg,
		source:    source,
		auth:      auth,
		opener:    &BrowserOpener{},
		navigator: &SystemNavigator{},
		detect:    DetectMode,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Begin runs a handshake for provider and returns once it has settled.
// A nil error means the session committed the new credential.
func (r *Relay) Begin(ctx context.Context, provider string) error {
	h, err := r.Start(ctx, provider)
	if err != nil {
		return err
	}
	<-h.Done()
	return h.Err()
}

// Start begins a handshake and returns without waiting. ctx bounds the
// whole handshake. If one is already pending it fails with
// ErrHandshakePending before opening anything.
func (r *Relay) Start(ctx context.Context, provider string) (*Handshake, error) {
	if provider == "" {
		return nil, errors.New("provider is required")
	}

	r.mu.Lock()
	if r.pending != nil || r.starting {
		var id string
		if r.pending != nil {
			id = r.pending.ID
		}
		r.mu.Unlock()
		log.LogDebugWithFields("relay", "Rejected handshake while another is pending", map[string]any{
			"pending":  id,
			"provider": provider,
		})
		return nil, ErrHandshakePending
	}
	// Reserve the slot; detection may search PATH for a browser
	r.starting = true
	r.mu.Unlock()

	id := uuid.NewString()
	mode := r.detect()
	ctx, span := tracer.Start(ctx, "relay.Handshake", trace.WithAttributes(
		attribute.String("handshake.id", id),
		attribute.String("handshake.provider", provider),
		attribute.String("handshake.mode", mode.String()),
	))
	h := newHandshake(ctx, span, id, provider, mode)

	r.mu.Lock()
	r.pending = h
	r.starting = false
	r.mu.Unlock()

	// The listener goes first so a fast callback cannot be missed
	h.setUnsubscribe(r.source.Subscribe(func(m Message) {
		r.onMessage(h, m)
	}))

	target := r.cfg.AuthorizeURL(provider)
	log.LogInfoWithFields("relay", "Starting OAuth2 handshake", map[string]any{
		"handshake": id,
		"provider":  provider,
		"mode":      mode.String(),
	})

	var handle Handle
	switch mode {
	case ModeTab:
		log.LogWarnWithFields("relay", "Login continues in a browser tab; closing it will not be noticed", map[string]any{
			"handshake": id,
			"max_wait":  r.cfg.MaxWait.String(),
		})
		if err := r.navigator.Navigate(ctx, target); err != nil {
			r.settle(h, newError(id, ErrPopupBlocked, err))
			return h, nil
		}
	default:
		var err error
		handle, err = r.opener.Open(ctx, target, PopupWindow(r.cfg.Screen))
		if err != nil {
			r.settle(h, newError(id, ErrPopupBlocked, err))
			return h, nil
		}
		h.setHandle(handle)
	}

	go r.watch(h, handle)
	return h, nil
}

// Complete finishes a login from the callback URL the browser ended on.
// A pending handshake is settled through the usual guard; without one the
// token goes straight to the session.
func (r *Relay) Complete(ctx context.Context, rawURL string) error {
	token, err := TokenFromCallbackURL(rawURL)
	if err != nil {
		return err
	}

	r.mu.Lock()
	h := r.pending
	r.mu.Unlock()

	if h != nil {
		r.deliver(h, token)
		return h.Wait(ctx)
	}

	if err := r.auth.Login(ctx, token); err != nil {
		return newError("", ErrLoginFailed, err)
	}
	return nil
}

func (r *Relay) onMessage(h *Handshake, m Message) {
	if m.Origin != r.cfg.Origin {
		log.LogWarnWithFields("relay", "Ignoring message from unexpected origin", map[string]any{
			"handshake": h.ID,
			"origin":    m.Origin,
		})
		return
	}
	if m.Token == "" {
		log.LogDebugWithFields("relay", "Ignoring message without token", map[string]any{
			"handshake": h.ID,
		})
		return
	}
	r.deliver(h, credential.Credential(m.Token))
}

// deliver claims h for the token path. The session login runs off the
// caller's goroutine and the handshake settles once it returns.
func (r *Relay) deliver(h *Handshake, token credential.Credential) {
	if !h.claim() {
		return
	}
	log.LogDebugWithFields("relay", "Token received", map[string]any{
		"handshake": h.ID,
	})
	go func() {
		if err := r.auth.Login(h.ctx, token); err != nil {
			r.finish(h, newError(h.ID, ErrLoginFailed, err))
			return
		}
		r.finish(h, nil)
	}()
}

// watch runs the abandonment poll, the ceiling and cancellation for one
// handshake until it is claimed.
func (r *Relay) watch(h *Handshake, handle Handle) {
	var poll <-chan time.Time
	if handle != nil {
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	var deadline <-chan time.Time
	if r.cfg.MaxWait > 0 {
		timer := time.NewTimer(r.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-h.stop:
			return
		case <-poll:
			log.LogTraceWithFields("relay", "Polling login window", map[string]any{
				"handshake": h.ID,
			})
			if handle.Closed() {
				r.settle(h, newError(h.ID, ErrAbandoned, nil))
				return
			}
		case <-deadline:
			r.settle(h, newError(h.ID, ErrTimeout, fmt.Errorf("no token after %s", r.cfg.MaxWait)))
			return
		case <-h.ctx.Done():
			r.settle(h, newError(h.ID, h.ctx.Err(), nil))
			return
		}
	}
}

func (r *Relay) settle(h *Handshake, err error) {
	if h.claim() {
		r.finish(h, err)
	}
}

// finish frees the pending slot and records the outcome before settling,
// so a waiter can start a new handshake as soon as Done fires.
func (r *Relay) finish(h *Handshake, err error) {
	r.mu.Lock()
	if r.pending == h {
		r.pending = nil
	}
	r.mu.Unlock()

	r.metrics.IncRelayHandshake(outcome(err))
	if err != nil {
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, outcome(err))
		log.LogInfoWithFields("relay", "OAuth2 handshake failed", map[string]any{
			"handshake": h.ID,
			"error":     err.Error(),
		})
	} else {
		log.LogInfoWithFields("relay", "OAuth2 handshake completed", map[string]any{
			"handshake": h.ID,
		})
	}
	h.span.End()

	h.settle(err)
}

// TokenFromCallbackURL reads the credential from the callback page URL
func TokenFromCallbackURL(rawURL string) (credential.Credential, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parsing callback URL: %w", err)
	}
	q := u.Query()
	if msg := q.Get("error"); msg != "" {
		return "", fmt.Errorf("provider returned an error: %s", msg)
	}
	token := q.Get("token")
	if token == "" {
		return "", ErrNoToken
	}
	return credential.Credential(token), nil
}
