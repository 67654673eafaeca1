package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/tinyls-client/internal/credential"
	"github.com/dgellow/tinyls-client/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://127.0.0.1:53682"

type fakeSource struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Message)
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[int]func(Message))}
}

func (f *fakeSource) Subscribe(fn func(Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeSource) Post(m Message) {
	f.mu.Lock()
	fns := make([]func(Message), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (f *fakeSource) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeHandle struct {
	closed     atomic.Bool
	closeCalls atomic.Int32
}

func (h *fakeHandle) Closed() bool { return h.closed.Load() }

func (h *fakeHandle) Close() error {
	h.closeCalls.Add(1)
	h.closed.Store(true)
	return nil
}

type fakeOpener struct {
	handle *fakeHandle
	err    error
	onOpen func()

	mu      sync.Mutex
	opened  int
	targets []string
	windows []Window
}

func (o *fakeOpener) Open(_ context.Context, target string, w Window) (Handle, error) {
	o.mu.Lock()
	o.opened++
	o.targets = append(o.targets, target)
	o.windows = append(o.windows, w)
	o.mu.Unlock()
	if o.onOpen != nil {
		o.onOpen()
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.handle, nil
}

func (o *fakeOpener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

type fakeNavigator struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (n *fakeNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, target)
	return n.err
}

type fakeAuth struct {
	err     error
	release chan struct{}

	mu     sync.Mutex
	tokens []credential.Credential
}

func (a *fakeAuth) Login(ctx context.Context, c credential.Credential) error {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	a.tokens = append(a.tokens, c)
	a.mu.Unlock()
	return a.err
}

func (a *fakeAuth) Tokens() []credential.Credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]credential.Credential(nil), a.tokens...)
}

type fixture struct {
	relay     *Relay
	source    *fakeSource
	opener    *fakeOpener
	navigator *fakeNavigator
	auth      *fakeAuth
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, mode Mode, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		source:    newFakeSource(),
		opener:    &fakeOpener{handle: &fakeHandle{}},
		navigator: &fakeNavigator{},
		auth:      &fakeAuth{},
		metrics:   metrics.New(),
	}
	cfg := Config{
		Origin: testOrigin,
		AuthorizeURL: func(provider string) string {
			return "http://backend.test/oauth2/authorize/" + provider
		},
		Screen:       Screen{Width: 1920, Height: 1080},
		PollInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, f.source, f.auth,
		WithOpener(f.opener),
		WithNavigator(f.navigator),
		WithModeDetector(func() Mode { return mode }),
		WithMetrics(f.metrics),
	)
	require.NoError(t, err)
	f.relay = r
	return f
}

func (f *fixture) settledTotal() float64 {
	return testutil.ToFloat64(f.metrics.RelayHandshakes)
}

func waitSettled(t *testing.T, h *Handshake) error {
	t.Helper()
	select {
	case <-h.Done():
		return h.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not settle")
		return nil
	}
}

func assertPending(t *testing.T, h *Handshake) {
	t.Helper()
	select {
	case <-h.Done():
		t.Fatalf("handshake settled unexpectedly: %v", h.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{AuthorizeURL: func(string) string { return "" }}, newFakeSource(), &fakeAuth{})
	assert.Error(t, err)

	_, err = New(Config{Origin: testOrigin}, newFakeSource(), &fakeAuth{})
	assert.Error(t, err)
}

func TestTokenCompletesHandshake(t *testing.T) {
	f := newFixture(t, ModePopup, nil)

	h, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, 1, f.source.Subscribers())
	assert.Equal(t, []string{"http://backend.test/oauth2/authorize/google"}, f.opener.targets)
	assert.Equal(t, Window{Width: 800, Height: 700, Left: 560, Top: 190}, f.opener.windows[0])

	f.source.Post(Message{Origin: testOrigin, Token: "tok"})

	require.NoError(t, waitSettled(t, h))
	assert.Equal(t, []credential.Credential{"tok"}, f.auth.Tokens())
	assert.Equal(t, 0, f.source.Subscribers())
	assert.True(t, f.opener.handle.Closed())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RelayHandshakes.WithLabelValues("success")))
}

func TestBeginWaitsForLogin(t *testing.T) {
	f := newFixture(t, ModePopup, nil)
	f.auth.release = make(chan struct{})

	h, err := f.relay.Start(context.Background(), "github")
	require.NoError(t, err)

	f.source.Post(Message{Origin: testOrigin, Token: "tok"})
	assertPending(t, h)

	close(f.auth.release)
	require.NoError(t, waitSettled(t, h))
}

func TestOriginValidation(t *testing.T) {
	f := newFixture(t, ModePopup, nil)

	h, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)

	f.source.Post(Message{Origin: "http://evil.test", Token: "stolen"})
	f.source.Post(Message{Origin: testOrigin + ".evil.test", Token: "stolen"})
	f.source.Post(Message{Origin: testOrigin, Token: ""})
	assertPending(t, h)
	assert.Empty(t, f.auth.Tokens())
	assert.Equal(t, 1, f.source.Subscribers())

	f.source.Post(Message{Origin: testOrigin, Token: "good"})
	require.NoError(t, waitSettled(t, h))
	assert.Equal(t, []credential.Credential{"good"}, f.auth.Tokens())
}

func TestAbandonment(t *testing.T) {
	f := newFixture(t, ModePopup, nil)

	h, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)

	f.opener.handle.closed.Store(true)

	err = waitSettled(t, h)
	assert.ErrorIs(t, err, ErrAbandoned)
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, h.ID, relayErr.Handshake)
	assert.Equal(t, 0, f.source.Subscribers())
	assert.Empty(t, f.auth.Tokens())

	// a late token after abandonment is a no-op
	f.source.Post(Message{Origin: testOrigin, Token: "late"})
	assert.Empty(t, f.auth.Tokens())
	assert.Equal(t, 1.0, f.settledTotal())
}

func TestExactlyOnceSettlement(t *testing.T) {
	for range 50 {
		f := newFixture(t, ModePopup, func(c *Config) { c.PollInterval = time.Millisecond })

		h, err := f.relay.Start(context.Background(), "google")
		require.NoError(t, err)

		f.opener.handle.closed.Store(true)
		f.source.Post(Message{Origin: testOrigin, Token: "tok"})

		err = waitSettled(t, h)
		if err != nil {
			assert.ErrorIs(t, err, ErrAbandoned)
			assert.Empty(t, f.auth.Tokens())
		} else {
			assert.Len(t, f.auth.Tokens(), 1)
		}
		assert.Equal(t, 1.0, f.settledTotal())
	}
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t, ModePopup, nil)

	first, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)

	second, err := f.relay.Start(context.Background(), "google")
	assert.ErrorIs(t, err, ErrHandshakePending)
	assert.Nil(t, second)
	assert.Equal(t, 1, f.opener.Opened())

	err = f.relay.Begin(context.Background(), "github")
	assert.ErrorIs(t, err, ErrHandshakePending)

	f.source.Post(Message{Origin: testOrigin, Token: "tok"})
	require.NoError(t, waitSettled(t, first))

	// the slot is free again once the first has settled
	f.opener.handle = &fakeHandle{}
	third, err := f.relay.Start(context.Background(), "github")
	require.NoError(t, err)
	f.source.Post(Message{Origin: testOrigin, Token: "tok2"})
	require.NoError(t, waitSettled(t, third))
}

func TestSingleFlightWhileDetectingMode(t *testing.T) {
	f := newFixture(t, ModePopup, nil)
	detecting := make(chan struct{})
	unblock := make(chan struct{})
	f.relay.detect = func() Mode {
		close(detecting)
		<-unblock
		return ModePopup
	}

	first := make(chan *Handshake, 1)
	go func() {
		h, err := f.relay.Start(context.Background(), "google")
		assert.NoError(t, err)
		first <- h
	}()
	<-detecting

	// A second Start is rejected without waiting for detection to finish
	rejected := make(chan error, 1)
	go func() {
		_, err := f.relay.Start(context.Background(), "github")
		rejected <- err
	}()
	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, ErrHandshakePending)
	case <-time.After(2 * time.Second):
		t.Fatal("second Start blocked behind mode detection")
	}

	close(unblock)
	h := <-first
	require.NotNil(t, h)
	assert.Equal(t, 1, f.opener.Opened())
	f.source.Post(Message{Origin: testOrigin, Token: "tok"})
	require.NoError(t, waitSettled(t, h))
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, ModePopup, func(c *Config) { c.MaxWait = 30 * time.Millisecond })

	h, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)

	err = waitSettled(t, h)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), f.opener.handle.closeCalls.Load())
	assert.Equal(t, 0, f.source.Subscribers())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RelayHandshakes.WithLabelValues("timeout")))
}

func TestContextCancellation(t *testing.T) {
	f := newFixture(t, ModePopup, nil)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := f.relay.Start(ctx, "google")
	require.NoError(t, err)

	cancel()
	err = waitSettled(t, h)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.opener.handle.Closed())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RelayHandshakes.WithLabelValues("canceled")))
}

func TestPopupBlocked(t *testing.T) {
	f := newFixture(t, ModePopup, nil)
	f.opener.err = errors.New("no browser")

	err := f.relay.Begin(context.Background(), "google")
	assert.ErrorIs(t, err, ErrPopupBlocked)
	assert.Equal(t, 0, f.source.Subscribers())

	// nothing is left pending
	f.opener.err = nil
	h, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)
	f.source.Post(Message{Origin: testOrigin, Token: "tok"})
	require.NoError(t, waitSettled(t, h))
}

func TestLoginFailure(t *testing.T) {
	f := newFixture(t, ModePopup, nil)
	loginErr := errors.New("profile fetch failed")
	f.auth.err = loginErr

	h, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)
	f.source.Post(Message{Origin: testOrigin, Token: "tok"})

	err = waitSettled(t, h)
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.ErrorIs(t, err, loginErr)
}

func TestMessageBeforeWindowOpens(t *testing.T) {
	f := newFixture(t, ModePopup, nil)
	f.opener.onOpen = func() {
		f.source.Post(Message{Origin: testOrigin, Token: "fast"})
	}

	h, err := f.relay.Start(context.Background(), "google")
	require.NoError(t, err)

	require.NoError(t, waitSettled(t, h))
	assert.Equal(t, []credential.Credential{"fast"}, f.auth.Tokens())
	assert.True(t, f.opener.handle.Closed(), "a window opened after settlement is closed")
}

func TestTabMode(t *testing.T) {
	f := newFixture(t, ModeTab, nil)

	h, err := f.relay.Start(context.Background(), "github")
	require.NoError(t, err)
	assert.Equal(t, ModeTab, h.Mode)
	assert.Equal(t, 0, f.opener.Opened())
	assert.Equal(t, []string{"http://backend.test/oauth2/authorize/github"}, f.navigator.urls)

	// without a handle there is nothing to poll
	assertPending(t, h)

	f.source.Post(Message{Origin: testOrigin, Token: "tok"})
	require.NoError(t, waitSettled(t, h))
}

func TestTabModeNavigationFailure(t *testing.T) {
	f := newFixture(t, ModeTab, nil)
	f.navigator.err = errors.New("xdg-open missing")

	err := f.relay.Begin(context.Background(), "github")
	assert.ErrorIs(t, err, ErrPopupBlocked)
}

func TestComplete(t *testing.T) {
	t.Run("settles the pending handshake", func(t *testing.T) {
		f := newFixture(t, ModeTab, nil)

		h, err := f.relay.Start(context.Background(), "google")
		require.NoError(t, err)

		err = f.relay.Complete(context.Background(), testOrigin+"/oauth2-callback?token=pasted")
		require.NoError(t, err)
		require.NoError(t, waitSettled(t, h))
		assert.Equal(t, []credential.Credential{"pasted"}, f.auth.Tokens())
	})

	t.Run("logs in directly without a handshake", func(t *testing.T) {
		f := newFixture(t, ModeTab, nil)

		require.NoError(t, f.relay.Complete(context.Background(), testOrigin+"/oauth2-callback?token=pasted"))
		assert.Equal(t, []credential.Credential{"pasted"}, f.auth.Tokens())
	})

	t.Run("rejects a URL without token", func(t *testing.T) {
		f := newFixture(t, ModeTab, nil)

		err := f.relay.Complete(context.Background(), testOrigin+"/oauth2-callback")
		assert.ErrorIs(t, err, ErrNoToken)
		assert.Empty(t, f.auth.Tokens())
	})
}

func TestTokenFromCallbackURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    credential.Credential
		wantErr bool
	}{
		{"token", "http://127.0.0.1:53682/oauth2-callback?token=abc.def.ghi", "abc.def.ghi", false},
		{"surrounding whitespace", "  http://127.0.0.1:53682/oauth2-callback?token=abc \n", "abc", false},
		{"missing token", "http://127.0.0.1:53682/oauth2-callback", "", true},
		{"provider error", "http://127.0.0.1:53682/oauth2-callback?error=access_denied", "", true},
		{"unparseable", "http://[::1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TokenFromCallbackURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
