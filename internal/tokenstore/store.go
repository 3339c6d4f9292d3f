// Package tokenstore persists the bearer token, the user snapshot and the last-activity
// timestamp. Storage failures never leave this package: they are logged and degrade to
// "nothing stored".
package tokenstore

import (
	"context"
	"time"

	"github.com/and161185/fixdesk/internal/model"
)

// Snapshot is whatever subset of the session is currently persisted.
type Snapshot struct {
	Token        string
	User         *model.User
	LastActiveAt *time.Time
	// LastUsername is a non-sensitive cache kept across logouts to prefill login.
	LastUsername string
}

// HasToken reports whether a token was loaded.
func (s Snapshot) HasToken() bool { return s.Token != "" }

// Store is durable storage for one session.
type Store interface {
	// Save writes token, user and lastActiveAt together; it reports false on failure.
	Save(ctx context.Context, token string, user model.User, at time.Time) bool
	// Touch persists a new lastActiveAt.
	Touch(ctx context.Context, at time.Time) bool
	// Load returns the persisted subset; absence is not an error.
	Load(ctx context.Context) Snapshot
	// Clear removes the session. Safe to call when nothing is stored.
	Clear(ctx context.Context)
}
