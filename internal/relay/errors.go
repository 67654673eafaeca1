package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrPopupBlocked means the login window could not be opened
	ErrPopupBlocked = errors.New("login window blocked or redirected")

	// ErrAbandoned means the login window was closed before a token arrived
	ErrAbandoned = errors.New("login window closed before completing")

	// ErrTimeout means the handshake hit its hard ceiling
	ErrTimeout = errors.New("login timed out")

	// ErrLoginFailed means a token arrived but the session rejected it
	ErrLoginFailed = errors.New("login failed")

	// ErrHandshakePending is returned when a handshake is already in flight
	ErrHandshakePending = errors.New("a login handshake is already pending")

	// ErrNoToken is returned for a callback URL without a token
	ErrNoToken = errors.New("callback URL carries no token")
)

// Error describes how a handshake failed. Kind is one of the sentinels
// above, or a context error for cancellation, so callers can use
// errors.Is either way.
type Error struct {
	Handshake string
	Kind      error
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(id string, kind, err error) *Error {
	return &Error{Handshake: id, Kind: kind, Err: err}
}

// outcome is the metrics label for a settlement error
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPopupBlocked):
		return "popup_blocked"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrLoginFailed):
		return "login_failed"
	default:
		return "canceled"
	}
}
