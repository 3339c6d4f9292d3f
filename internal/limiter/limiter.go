// Package limiter throttles login attempts with a sliding failure window and
// a temporary lockout.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, key string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, key string) (bool, time.Duration, error)
}

// Key joins a username with a hashed client address so raw addresses are never kept.
func Key(username, ip string) string {
	if ip == "" {
		return username
	}
	h := sha256.Sum256([]byte(ip))
	return username + "|" + hex.EncodeToString(h[:8])
}
