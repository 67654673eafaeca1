package emailutil

import (
	"errors"
	"strings"
)

// ErrInvalid is returned for an address that cannot be an account email
var ErrInvalid = errors.New("invalid email address")

// Normalize lowercases and trims an address so the same account is
// always sent the same way
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate checks for a single @ with something on both sides. The
// backend owns the real rules.
func Validate(email string) error {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") || strings.ContainsAny(email, " \t\r\n") {
		return ErrInvalid
	}
	return nil
}
