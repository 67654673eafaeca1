// Package authwatch ends the session whenever the backend reports that
// the credential is no longer accepted.
package authwatch

import (
	"context"

	"github.com/dgellow/tinyls-client/internal/apierror"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/metrics"
)

// LoginPath is where the user is sent after a forced logout
const LoginPath = "/login"

// SessionExpiredMessage is the notification shown on a forced logout
const SessionExpiredMessage = "Session expired. Please log in again."

// Session is the part of the session the watcher drives
type Session interface {
	Logout()
}

// Notifier shows a transient message to the user
type Notifier interface {
	Error(message string)
}

// Navigator moves the user to another surface
type Navigator interface {
	Navigate(path string)
}

// Watcher observes API failures and forces a logout on 401 or 403
type Watcher struct {
	session   Session
	notifier  Notifier
	navigator Navigator
	metrics   *metrics.Metrics
}

// New creates a watcher. m may be nil.
func New(s Session, n Notifier, nav Navigator, m *metrics.Metrics) *Watcher {
	return &Watcher{session: s, notifier: n, navigator: nav, metrics: m}
}

// ObserveError implements api.Observer
func (w *Watcher) ObserveError(_ context.Context, err error) {
	w.Handle(apierror.Parse(err))
}

// Handle forces a logout for a session-invalid status and ignores
// everything else. It reports whether it acted.
func (w *Watcher) Handle(n apierror.Normalized) bool {
	if !apierror.IsSessionInvalid(n) {
		return false
	}

	log.LogWarnWithFields("authwatch", "Backend rejected the credential, logging out", map[string]any{
		"status": n.Status,
		"detail": n.Detail,
	})

	// Logout is local only, so it cannot produce another 401
	w.session.Logout()
	w.metrics.IncForcedLogout()
	w.notifier.Error(SessionExpiredMessage)
	w.navigator.Navigate(LoginPath)
	return true
}
