// Package app builds the client's components from a Config and runs
// commands against them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgellow/tinyls-client/internal/api"
	"github.com/dgellow/tinyls-client/internal/authwatch"
	"github.com/dgellow/tinyls-client/internal/callback"
	"github.com/dgellow/tinyls-client/internal/config"
	"github.com/dgellow/tinyls-client/internal/credential"
	"github.com/dgellow/tinyls-client/internal/crypto"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/metrics"
	"github.com/dgellow/tinyls-client/internal/relay"
	"github.com/dgellow/tinyls-client/internal/session"
)

// ErrLoginRequired is returned by Run when the command ended with the
// session forced back to the login screen
var ErrLoginRequired = errors.New("login required")

const shutdownTimeout = 5 * time.Second

// App holds the wired client
type App struct {
	cfg config.Config

	Metrics *metrics.Metrics
	Store   *credential.Durable
	Client  *api.Client
	Session *session.Session
	Relay   *relay.Relay

	hub     *callback.Hub
	server  *callback.HTTPServer
	closers []io.Closer

	out           io.Writer
	loginRequired atomic.Bool
	closeOnce     sync.Once
}

// Option configures an App
type Option func(*appOptions)

type appOptions struct {
	out       io.Writer
	apiOpt    api.Option
	relayOpts []relay.Option
}

// WithOutput sets where notifications and hints are printed (default stderr)
func WithOutput(w io.Writer) Option {
	return func(o *appOptions) {
		o.out = w
	}
}

// WithAPIOption passes an option through to the API client
func WithAPIOption(opt api.Option) Option {
	return func(o *appOptions) {
		o.apiOpt = opt
	}
}

// WithRelayOptions passes options through to the relay
func WithRelayOptions(opts ...relay.Option) Option {
	return func(o *appOptions) {
		o.relayOpts = append(o.relayOpts, opts...)
	}
}

// New builds every component. Nothing listens until RunWithLoopback.
func New(cfg config.Config, opts ...Option) (*App, error) {
	o := appOptions{out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	log.LogDebugWithFields("app", "Building client", map[string]any{
		"backend": cfg.Backend.BaseURL,
		"store":   cfg.Credentials.Store,
		"mode":    cfg.Relay.Mode,
	})

	a := &App{cfg: cfg, out: o.out, Metrics: metrics.New()}

	backend, closer, err := setupCredentialBackend(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to setup credential store: %w", err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.Store = credential.New(backend)

	apiOpts := []api.Option{
		api.WithTimeout(cfg.Backend.Timeout),
		api.WithCredentials(a.Store),
	}
	if o.apiOpt != nil {
		apiOpts = append(apiOpts, o.apiOpt)
	}
	a.Client, err = api.NewClient(cfg.Backend.BaseURL, pathsFromConfig(cfg.Backend.Paths), apiOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	a.Session = session.New(a.Store, a.Client, session.WithMetrics(a.Metrics))
	a.Client.AddObserver(authwatch.New(a.Session, a, a, a.Metrics))

	a.hub = callback.NewHub()
	a.server = callback.NewHTTPServer(callback.NewRouter(callback.NewHandler(a.hub, a.Metrics)), cfg.App.Addr)

	origin := cfg.App.Origin
	if origin == "" {
		origin = config.OriginFor(cfg.App.Addr)
	}

	opener := &relay.BrowserOpener{Executable: cfg.Relay.Browser}
	relayOpts := []relay.Option{
		relay.WithOpener(opener),
		relay.WithNavigator(&relay.SystemNavigator{Out: o.out}),
		relay.WithModeDetector(modeDetector(cfg.Relay.Mode, opener.Available)),
		relay.WithMetrics(a.Metrics),
	}
	a.Relay, err = relay.New(relay.Config{
		Origin:       origin,
		AuthorizeURL: a.Client.AuthorizeURL,
		Screen: relay.Screen{
			Width:  cfg.Relay.Screen.Width,
			Height: cfg.Relay.Screen.Height,
			X:      cfg.Relay.Screen.X,
			Y:      cfg.Relay.Screen.Y,
		},
		PollInterval: cfg.Relay.PollInterval,
		MaxWait:      cfg.Relay.MaxWait,
	}, a.hub, a.Session, append(relayOpts, o.relayOpts...)...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	return a, nil
}

// setupCredentialBackend picks the persistence backend for the configured
// store. The returned closer is non-nil when the backend holds a handle.
func setupCredentialBackend(cfg config.CredentialsConfig) (credential.Backend, io.Closer, error) {
	path := cfg.Path
	if path == "" && cfg.Store != config.StoreMemory {
		def, err := credential.DefaultPath()
		if err != nil {
			return nil, nil, err
		}
		path = def
		if cfg.Store == config.StoreSQLite {
			path = filepath.Join(filepath.Dir(def), "tinyls.db")
		}
	}

	switch cfg.Store {
	case config.StoreMemory:
		log.LogInfoWithFields("app", "Using in-memory credential store", nil)
		return credential.NewMemoryBackend(), nil, nil
	case config.StoreSealed:
		enc, err := crypto.NewEncryptor([]byte(cfg.Key))
		if err != nil {
			return nil, nil, fmt.Errorf("creating encryptor: %w", err)
		}
		b, err := credential.NewSealedFileBackend(path, enc)
		if err != nil {
			return nil, nil, err
		}
		log.LogInfoWithFields("app", "Using sealed credential file", map[string]any{"path": path})
		return b, nil, nil
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating credential dir: %w", err)
		}
		b, err := credential.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		log.LogInfoWithFields("app", "Using SQLite credential store", map[string]any{"path": path})
		return b, b, nil
	case config.StoreFile, "":
		b, err := credential.NewFileBackend(path)
		if err != nil {
			return nil, nil, err
		}
		log.LogDebugWithFields("app", "Using credential file", map[string]any{"path": path})
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported credential store: %s", cfg.Store)
	}
}

func pathsFromConfig(p config.PathsConfig) api.Paths {
	return api.Paths{
		CurrentUser:  p.CurrentUser,
		Authenticate: p.Authenticate,
		Authorize:    p.Authorize,
		Register:     p.Register,
		Profile:      p.Profile,
		Password:     p.Password,
		Account:      p.Account,
	}
}

// modeDetector honours a forced mode. In auto mode a missing browser
// means tab mode even when a display is present.
func modeDetector(mode config.RelayMode, browserAvailable func() bool) func() relay.Mode {
	return func() relay.Mode {
		switch mode {
		case config.RelayModePopup:
			return relay.ModePopup
		case config.RelayModeTab:
			return relay.ModeTab
		}
		if !browserAvailable() {
			return relay.ModeTab
		}
		return relay.DetectMode()
	}
}

// Error implements authwatch.Notifier
func (a *App) Error(message string) {
	fmt.Fprintf(a.out, "error: %s\n", message)
}

// Navigate implements authwatch.Navigator. A CLI has no login screen, so
// navigating there means telling the user how to log in.
func (a *App) Navigate(path string) {
	if path == authwatch.LoginPath {
		a.loginRequired.Store(true)
		fmt.Fprintln(a.out, "Run `tinyls login` to sign in again.")
	}
}

// LoginRequired reports whether a forced logout happened
func (a *App) LoginRequired() bool {
	return a.loginRequired.Load()
}

// Bootstrap restores the persisted session without blocking the caller
func (a *App) Bootstrap(ctx context.Context) <-chan error {
	return session.Bootstrap(ctx, a.Session)
}

// Run executes fn. A forced logout during fn has already been reported
// to the user, so it replaces whatever fn returned with ErrLoginRequired.
func (a *App) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if a.LoginRequired() {
		return ErrLoginRequired
	}
	return err
}

// RunWithLoopback serves the loopback surface for the duration of fn
func (a *App) RunWithLoopback(ctx context.Context, fn func(ctx context.Context) error) error {
	// Bind before fn opens any browser window
	if err := a.server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("loopback server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Stop(shutdownCtx)
	})
	g.Go(func() error {
		defer close(done)
		return a.Run(gctx, fn)
	})

	return g.Wait()
}

// Addr is the loopback server address
func (a *App) Addr() string {
	return a.server.Addr()
}

// Close releases backend handles
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for _, c := range a.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
