package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the client can learn from a JWT credential without the
// backend's key. None of it is trusted for authorization.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential carries an exp in the past
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Inspect decodes c as a JWT without verifying its signature. Opaque
// credentials report false.
func Inspect(c Credential) (Claims, bool) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(c), mc); err != nil {
		return Claims{}, false
	}

	var claims Claims
	if sub, err := mc.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, true
}
