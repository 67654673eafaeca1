// Package api is the HTTP transport to the tinyls backend. It attaches
// the stored credential as a bearer token and turns non-2xx answers into
// apierror values that observers such as the forced-logout watcher see.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/tinyls-client/internal/apierror"
	"github.com/dgellow/tinyls-client/internal/credential"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/session"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const maxBodySize = 1 << 20

// ErrInvalidCredentials is returned by Authenticate on a 401
var ErrInvalidCredentials = errors.New("invalid email or password")

// Paths are the backend endpoints relative to the base URL
type Paths struct {
	CurrentUser  string
	Authenticate string
	// Authorize may contain {provider}
	Authorize string
	Register  string
	Profile   string
	Password  string
	Account   string
}

// DefaultPaths returns the tinyls backend routes
func DefaultPaths() Paths {
	return Paths{
		CurrentUser:  "/current-user",
		Authenticate: "/authenticate",
		Authorize:    "/oauth2/authorize/{provider}",
		Register:     "/register",
		Profile:      "/users/me",
		Password:     "/password",
		Account:      "/users/me",
	}
}

// Observer sees every failed call made on behalf of the user
type Observer interface {
	ObserveError(ctx context.Context, err error)
}

// CredentialSource is the read side of the credential store
type CredentialSource interface {
	Get() (credential.Credential, bool)
}

// Ensure Client implements session.ProfileFetcher
var _ session.ProfileFetcher = (*Client)(nil)

// Client talks to the backend
type Client struct {
	baseURL   string
	paths     Paths
	transport http.RoundTripper
	timeout   time.Duration
	creds     CredentialSource

	mu        sync.RWMutex
	observers []Observer

	profiles singleflight.Group
}

// Option configures a Client
type Option func(*Client)

// WithTimeout bounds each request
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithTransport replaces the underlying round tripper
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithCredentials makes user calls carry the stored credential
func WithCredentials(src CredentialSource) Option {
	return func(c *Client) {
		c.creds = src
	}
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, paths Paths, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend URL must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		paths:     paths,
		transport: http.DefaultTransport,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AddObserver registers o for failures of user calls
func (c *Client) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// AuthorizeURL is the page that starts the provider's OAuth2 flow
func (c *Client) AuthorizeURL(provider string) string {
	return c.baseURL + strings.ReplaceAll(c.paths.Authorize, "{provider}", url.PathEscape(provider))
}

// CurrentUser fetches the profile for cred. Concurrent fetches for the
// same credential share one request. Failures are not observed: the
// session decides what a rejected credential means.
//
// The shared request runs detached from any one caller's cancellation and
// is bounded by the client timeout instead. A caller whose ctx ends stops
// waiting without failing the others.
func (c *Client) CurrentUser(ctx context.Context, cred credential.Credential) (*session.Profile, error) {
	ch := c.profiles.DoChan(string(cred), func() (any, error) {
		var p session.Profile
		if err := c.do(context.WithoutCancel(ctx), http.MethodGet, c.paths.CurrentUser, cred, nil, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.LogTraceWithFields("api", "Shared in-flight profile fetch", nil)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		p := *res.Val.(*session.Profile)
		return &p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type authenticateRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authenticateResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges email and password for a credential. Failures
// are not observed since a bad password is not an expired session.
func (c *Client) Authenticate(ctx context.Context, email, password string) (credential.Credential, error) {
	var resp authenticateResponse
	err := c.do(ctx, http.MethodPost, c.paths.Authenticate, "", authenticateRequest{Email: email, Password: password}, &resp)
	if err != nil {
		if apierror.StatusOf(err) == http.StatusUnauthorized {
			return "", fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		return "", err
	}
	if resp.Token == "" {
		return "", errors.New("authenticate response carried no token")
	}
	return credential.Credential(resp.Token), nil
}

// RegisterRequest creates a local account
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register creates an account and returns its profile
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*session.Profile, error) {
	var p session.Profile
	if err := c.Do(ctx, http.MethodPost, c.paths.Register, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProfileUpdate changes the editable profile fields
type ProfileUpdate struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// UpdateProfile saves the profile and returns the backend's copy
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*session.Profile, error) {
	var p session.Profile
	if err := c.Do(ctx, http.MethodPut, c.paths.Profile, update, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PasswordChange replaces a local account's password
type PasswordChange struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// UpdatePassword changes the password
func (c *Client) UpdatePassword(ctx context.Context, change PasswordChange) error {
	return c.Do(ctx, http.MethodPut, c.paths.Password, change, nil)
}

// DeleteAccount removes the current user's account
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.Do(ctx, http.MethodDelete, c.paths.Account, nil, nil)
}

// Do performs a user call: the stored credential is attached when there
// is one, and a failure is reported to every observer.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var cred credential.Credential
	if c.creds != nil {
		cred, _ = c.creds.Get()
	}

	err := c.do(ctx, method, path, cred, in, out)
	if err != nil {
		c.observe(ctx, err)
	}
	return err
}

func (c *Client) observe(ctx context.Context, err error) {
	c.mu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.RUnlock()

	for _, o := range observers {
		o.ObserveError(ctx, err)
	}
}

// httpClient attaches cred through an oauth2 transport. Without a
// credential requests go out unauthenticated.
func (c *Client) httpClient(cred credential.Credential) *http.Client {
	rt := c.transport
	if cred != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{
				AccessToken: string(cred),
				TokenType:   "Bearer",
			}),
			Base: c.transport,
		}
	}
	return &http.Client{Transport: rt, Timeout: c.timeout}
}

func (c *Client) do(ctx context.Context, method, path string, cred credential.Credential, in, out any) error {
	requestURL := c.baseURL + path

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient(cred).Do(req)
	if err != nil {
		log.LogDebugWithFields("api", "Request failed", map[string]any{
			"method": method,
			"path":   path,
			"error":  err.Error(),
		})
		return &apierror.ResponseError{Method: method, URL: requestURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &apierror.ResponseError{Method: method, URL: requestURL, Err: fmt.Errorf("reading response: %w", err)}
	}

	log.LogTraceWithFields("api", "Request completed", map[string]any{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apierror.ResponseError{
			Method: method,
			URL:    requestURL,
			Response: &apierror.Response{
				Status: resp.StatusCode,
				Header: resp.Header,
				Data:   decodeBody(data),
			},
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeBody keeps JSON error bodies structured and anything else as text
func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}
