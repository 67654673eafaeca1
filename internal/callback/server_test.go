package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/tinyls-client/internal/credential"
	"github.com/dgellow/tinyls-client/internal/metrics"
	"github.com/dgellow/tinyls-client/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(NewRouter(NewHandler(hub, metrics.New())))
	t.Cleanup(srv.Close)
	return srv, hub
}

func postMessage(t *testing.T, srv *httptest.Server, origin, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+MessagePath, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCallbackPage(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + CallbackPath + "?token=abc123")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var body strings.Builder
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "abc123")
	assert.Contains(t, body.String(), "window.close()")
	assert.Contains(t, body.String(), "Logging you in")
}

func TestCallbackPageEscapesToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + CallbackPath + "?token=" + "%3C%2Fscript%3E%3Cscript%3Ealert(1)")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body strings.Builder
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, body.String(), "</script><script>alert(1)")
}

func TestCallbackPageWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + CallbackPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body strings.Builder
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "No login token was received")
}

func TestMessageEndpoint(t *testing.T) {
	srv, hub := newTestServer(t)

	var mu sync.Mutex
	var got []relay.Message
	hub.Subscribe(func(m relay.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})

	resp := postMessage(t, srv, srv.URL, "application/json", `{"token":"tok"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postMessage(t, srv, "", "application/json; charset=utf-8", `{"token":"no-origin"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []relay.Message{
		{Origin: srv.URL, Token: "tok"},
		{Origin: "", Token: "no-origin"},
	}, got)
}

func TestMessageEndpointRejectsBadRequests(t *testing.T) {
	srv, hub := newTestServer(t)
	published := 0
	hub.Subscribe(func(relay.Message) { published++ })

	resp := postMessage(t, srv, srv.URL, "text/plain", `{"token":"tok"}`)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp = postMessage(t, srv, srv.URL, "application/json", `{"token":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 0, published)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body strings.Builder
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "tinyls_forced_logouts_total")

	resp, err = srv.Client().Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type loginRecorder struct {
	mu     sync.Mutex
	tokens []credential.Credential
}

func (l *loginRecorder) Login(_ context.Context, c credential.Credential) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, c)
	return nil
}

type closedHandle struct{}

func (closedHandle) Closed() bool { return false }
func (closedHandle) Close() error { return nil }

// browserOpener plays the popup: it posts the token the way the callback
// page does, first from a foreign origin and then from the app origin
type browserOpener struct {
	srv *httptest.Server
}

func send(srv *httptest.Server, origin, body string) {
	req, err := http.NewRequest(http.MethodPost, srv.URL+MessagePath, strings.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	if resp, err := srv.Client().Do(req); err == nil {
		resp.Body.Close()
	}
}

func (b *browserOpener) Open(_ context.Context, _ string, _ relay.Window) (relay.Handle, error) {
	go func() {
		send(b.srv, "http://evil.test", `{"token":"forged"}`)
		send(b.srv, b.srv.URL, `{"token":"real"}`)
	}()
	return closedHandle{}, nil
}

func TestRelayOverLoopback(t *testing.T) {
	srv, hub := newTestServer(t)
	auth := &loginRecorder{}

	r, err := relay.New(relay.Config{
		Origin:       srv.URL,
		AuthorizeURL: func(p string) string { return "http://backend.test/oauth2/authorize/" + p },
	}, hub, auth,
		relay.WithOpener(&browserOpener{srv: srv}),
		relay.WithModeDetector(func() relay.Mode { return relay.ModePopup }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Begin(ctx, "google"))

	auth.mu.Lock()
	defer auth.mu.Unlock()
	assert.Equal(t, []credential.Credential{"real"}, auth.tokens)
}

func TestHTTPServerLifecycle(t *testing.T) {
	s := NewHTTPServer(NewRouter(NewHandler(NewHub(), nil)), "127.0.0.1:0")
	require.NoError(t, s.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-errCh)
}
