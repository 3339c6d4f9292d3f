// Package session decides whether a stored session is still usable. It performs no I/O.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultInactivity is the inactivity window after which a session expires (172,800,000 ms).
const DefaultInactivity = 48 * time.Hour

// Policy is a pure decision function over stored state and an injected now.
type Policy struct {
	// Inactivity is the maximum allowed gap between lastActiveAt and now.
	Inactivity time.Duration
	// ExpireUntracked makes a missing lastActiveAt count as expired (fail-closed).
	ExpireUntracked bool
}

// NewPolicy returns a Policy with the default inactivity window and fail-open handling
// of sessions that never recorded activity.
func NewPolicy() Policy {
	return Policy{Inactivity: DefaultInactivity}
}

// IsExpired reports whether now-lastActiveAt exceeds the inactivity window.
// Exactly reaching the window is not expired.
func (p Policy) IsExpired(lastActiveAt *time.Time, now time.Time) bool {
	if lastActiveAt == nil {
		return p.ExpireUntracked
	}
	window := p.Inactivity
	if window <= 0 {
		window = DefaultInactivity
	}
	return now.Sub(*lastActiveAt) > window
}

// Touch returns the new lastActiveAt for an activity observed at now.
func (Policy) Touch(now time.Time) time.Time { return now }

// TokenExpired reports whether token is a JWT whose exp claim is at or before now.
// The signature is not verified; opaque tokens and tokens without exp are never expired here.
func (Policy) TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
