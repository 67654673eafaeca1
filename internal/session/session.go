// Package session owns the authoritative record of whether the user is
// logged in and who they are.
//
// A Session is an explicitly owned state container: it is created once,
// handed to whatever needs it, and is the only writer of the credential
// store. Every committed transition is delivered synchronously to all
// subscribers, in commit order, after the state has changed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/tinyls-client/internal/credential"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/dgellow/tinyls-client/internal/session")

var (
	// ErrEmptyCredential is returned when Login is called without a credential
	ErrEmptyCredential = errors.New("credential is empty")

	// ErrNoProfile is returned when the backend answers without a user
	ErrNoProfile = errors.New("profile fetch returned no user")

	// ErrCredentialExpired is returned when a JWT credential is past its exp
	ErrCredentialExpired = errors.New("credential expired")

	// ErrSuperseded is returned by Login when another transition replaced
	// the credential while the profile was being fetched
	ErrSuperseded = errors.New("login superseded by a newer session change")
)

// Status is the session state machine's state
type Status int

const (
	Anonymous Status = iota
	Authenticated
)

func (s Status) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// State is a snapshot of the session. IsLoggedIn == (User != nil) holds
// for every State produced by this package.
type State struct {
	User       *Profile
	IsLoggedIn bool
}

// Status returns the state machine state of the snapshot
func (s State) Status() Status {
	if s.IsLoggedIn {
		return Authenticated
	}
	return Anonymous
}

func anonymous() State {
	return State{}
}

func authenticated(p *Profile) State {
	cp := *p
	return State{User: &cp, IsLoggedIn: true}
}

// clone keeps subscribers from sharing the committed profile pointer
func (s State) clone() State {
	if s.User == nil {
		return anonymous()
	}
	return authenticated(s.User)
}

//go:generate mockgen -destination=mocks/mock_profile_fetcher.go -package=mocks github.com/dgellow/tinyls-client/internal/session ProfileFetcher

// ProfileFetcher retrieves the current user for a credential
type ProfileFetcher interface {
	CurrentUser(ctx context.Context, c credential.Credential) (*Profile, error)
}

type subscriber struct {
	id int
	fn func(State)
}

// Session is the session state machine
type Session struct {
	store   credential.Store
	fetcher ProfileFetcher
	metrics *metrics.Metrics
	now     func() time.Time

	// transitionMu serialises decide+commit+notify so subscribers see
	// transitions in commit order
	transitionMu sync.Mutex

	mu    sync.RWMutex
	state State

	subsMu sync.Mutex
	subs   []subscriber
	nextID int
}

// Option configures a Session
type Option func(*Session)

// WithMetrics records committed transitions
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithClock overrides the clock used for local credential expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// New creates an anonymous session over store. The profile is unknown
// until Refresh or Login runs, whatever the store holds.
func New(store credential.Store, fetcher ProfileFetcher, opts ...Option) *Session {
	s := &Session{
		store:   store,
		fetcher: fetcher,
		now:     time.Now,
		state:   anonymous(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the latest committed snapshot
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Credential returns the stored credential for the transport layer
func (s *Session) Credential() (credential.Credential, bool) {
	return s.store.Get()
}

// Subscribe registers fn for every future transition. Callbacks run
// synchronously on the goroutine that committed the transition and must
// not call Login, Logout or Refresh themselves.
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.subsMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Session) subscribers() []func(State) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	fns := make([]func(State), len(s.subs))
	for i, sub := range s.subs {
		fns[i] = sub.fn
	}
	return fns
}

// apply decides and commits one transition. decide runs under the
// transition lock and may touch the credential store; returning false
// skips the commit.
func (s *Session) apply(decide func() (State, bool)) bool {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	next, ok := decide()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	s.metrics.IncSessionTransition(next.Status().String())
	log.LogDebugWithFields("session", "Session transition committed", map[string]any{
		"state": next.Status().String(),
	})

	for _, fn := range s.subscribers() {
		fn(next.clone())
	}
	return true
}

// holds reports whether the store still carries c. Must be called from
// within a decide func.
func (s *Session) holds(c credential.Credential) bool {
	current, ok := s.store.Get()
	return ok && current == c
}

// Login stores c, fetches the profile and commits AUTHENTICATED. A
// credential that cannot retrieve a profile is treated as invalid: it is
// cleared and the session commits ANONYMOUS.
func (s *Session) Login(ctx context.Context, c credential.Credential) error {
	ctx, span := tracer.Start(ctx, "session.Login")
	defer span.End()

	if c == "" {
		return ErrEmptyCredential
	}

	s.store.Set(c)

	profile, err := s.fetch(ctx, c)
	if err != nil {
		s.invalidate(c)
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile fetch failed")
		log.LogWarnWithFields("session", "Login failed, credential discarded", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("fetching profile: %w", err)
	}

	committed := s.apply(func() (State, bool) {
		if !s.holds(c) {
			return State{}, false
		}
		return authenticated(profile), true
	})
	if !committed {
		span.SetStatus(codes.Error, "superseded")
		return ErrSuperseded
	}

	log.LogInfoWithFields("session", "Logged in", map[string]any{
		"user":     profile.Email,
		"provider": string(profile.Provider),
	})
	return nil
}

// Logout clears the credential and the cached profile. It performs no I/O.
func (s *Session) Logout() {
	s.apply(func() (State, bool) {
		s.store.Clear()
		return anonymous(), true
	})
	log.LogInfoWithFields("session", "Logged out", nil)
}

// Refresh resolves the session against the backend: no credential means
// ANONYMOUS, a credential that yields a profile means AUTHENTICATED, and
// any failure clears the credential and means ANONYMOUS. It is safe to
// call any number of times; concurrent calls race and the last commit wins.
func (s *Session) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.Refresh")
	defer span.End()

	c, ok := s.store.Get()
	if !ok {
		s.apply(func() (State, bool) {
			if _, ok := s.store.Get(); ok {
				return State{}, false
			}
			return anonymous(), true
		})
		return nil
	}

	profile, err := s.fetch(ctx, c)
	if err != nil {
		s.invalidate(c)
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile fetch failed")
		log.LogInfoWithFields("session", "Stored credential rejected, session is anonymous", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("refreshing session: %w", err)
	}

	s.apply(func() (State, bool) {
		if !s.holds(c) {
			return State{}, false
		}
		return authenticated(profile), true
	})
	return nil
}

// invalidate clears c and commits ANONYMOUS unless a different credential
// was stored meanwhile.
func (s *Session) invalidate(c credential.Credential) {
	s.apply(func() (State, bool) {
		if current, ok := s.store.Get(); ok && current != c {
			return State{}, false
		}
		s.store.Clear()
		return anonymous(), true
	})
}

func (s *Session) fetch(ctx context.Context, c credential.Credential) (*Profile, error) {
	if claims, ok := credential.Inspect(c); ok && claims.Expired(s.now()) {
		return nil, ErrCredentialExpired
	}

	profile, err := s.fetcher.CurrentUser(ctx, c)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrNoProfile
	}
	return profile, nil
}

// Bootstrap resolves the session once at startup without blocking the
// caller. The returned channel yields the Refresh outcome and is closed.
// There is no retry: a failed refresh simply leaves the session anonymous.
func Bootstrap(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- s.Refresh(ctx)
	}()
	return done
}
