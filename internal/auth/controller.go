// Package auth owns the client session: login, logout, restore on start,
// inactivity expiry and reaction to rejected tokens. It is the only writer of
// the in-memory session and of the token store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/fixdesk/internal/api"
	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/lifecycle"
	"github.com/and161185/fixdesk/internal/limiter"
	"github.com/and161185/fixdesk/internal/model"
	"github.com/and161185/fixdesk/internal/session"
	"github.com/and161185/fixdesk/internal/tokenstore"
)

// Gateway is the subset of the REST API the controller needs. Tokens are passed
// explicitly because restore validates a token that is not yet the session's.
type Gateway interface {
	Login(ctx context.Context, username, password string) (model.User, string, error)
	Logout(ctx context.Context, token string) error
	Me(ctx context.Context, token string) (model.User, error)
}

// State of the session state machine.
type State int

const (
	StateUnknown State = iota
	StateRestoring
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateRestoring:
		return "restoring"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	}
	return "invalid"
}

// Status is what the UI observes.
type Status struct {
	State State
	User  *model.User
}

// IsAdmin is derived from the user role on every call.
func (s Status) IsAdmin() bool { return s.User != nil && s.User.Role.IsAdmin() }

// Controller implements the session state machine.
type Controller struct {
	gw     Gateway
	store  tokenstore.Store
	policy session.Policy
	now    func() time.Time
	log    *zap.Logger
	lim    limiter.Limiter

	mu         sync.Mutex
	state      State
	token      string
	user       *model.User
	lastActive time.Time
	// epoch increases every time a session ends; operations that started in an
	// older epoch may not install a session.
	epoch   uint64
	subs    map[int]func(Status)
	nextSub int

	ending singleflight.Group
}

var (
	_ api.Session       = (*Controller)(nil)
	_ lifecycle.Handler = (*Controller)(nil)
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithLimiter throttles repeated failed logins per username.
func WithLimiter(l limiter.Limiter) Option { return func(c *Controller) { c.lim = l } }

// New constructs a Controller in StateUnknown.
func New(gw Gateway, store tokenstore.Store, policy session.Policy, log *zap.Logger, opts ...Option) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		gw:     gw,
		store:  store,
		policy: policy,
		now:    time.Now,
		log:    log.Named("auth"),
		subs:   map[int]func(Status){},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Status returns the current state and user.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{State: c.state}
	if c.user != nil {
		u := *c.user
		st.User = &u
	}
	return st
}

// IsAuthenticated reports whether a session is present.
func (c *Controller) IsAuthenticated() bool { return c.Status().State == StateAuthenticated }

// IsAdmin reports whether the session user has an admin role.
func (c *Controller) IsAdmin() bool { return c.Status().IsAdmin() }

// Token returns the bearer token of the present session, or "".
func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return ""
	}
	return c.token
}

// LastUsername returns the cached username of the last login, for prefilling.
func (c *Controller) LastUsername(ctx context.Context) string {
	return c.store.Load(ctx).LastUsername
}

// Subscribe registers fn for every state change and returns its cancel func.
// fn runs on the goroutine that changed the state and must not call back into
// the controller; hand the status over to the UI loop instead.
func (c *Controller) Subscribe(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// notify delivers st to subscribers. Never called with c.mu held.
func (c *Controller) notify(st Status) {
	c.mu.Lock()
	fns := make([]func(Status), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Restore runs once at process start and resolves StateUnknown to either
// StateAuthenticated or StateUnauthenticated. Later calls do nothing.
func (c *Controller) Restore(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateUnknown {
		c.mu.Unlock()
		return
	}
	c.state = StateRestoring
	epoch := c.epoch
	st := c.statusLocked()
	c.mu.Unlock()
	c.notify(st)

	snap := c.store.Load(ctx)
	if !snap.HasToken() {
		c.finishRestore(epoch, "no stored token", false)
		return
	}
	now := c.now()
	if c.policy.IsExpired(snap.LastActiveAt, now) || c.policy.TokenExpired(snap.Token, now) {
		c.finishRestore(epoch, "stored session expired", true)
		return
	}

	user, err := c.gw.Me(ctx, snap.Token)
	if err != nil {
		c.log.Info("restore: revalidation failed", zap.Error(err))
		c.finishRestore(epoch, "revalidation failed", true)
		return
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateRestoring {
		c.mu.Unlock()
		c.log.Info("restore: result dropped, session changed meanwhile")
		return
	}
	now = c.now()
	c.install(snap.Token, user, now)
	if !c.store.Save(ctx, snap.Token, user, c.policy.Touch(now)) {
		c.log.Warn("restore: could not persist refreshed activity")
	}
	st = c.statusLocked()
	c.mu.Unlock()

	c.log.Info("session restored", zap.String("user", user.Username))
	c.notify(st)
}

func (c *Controller) finishRestore(epoch uint64, reason string, wipe bool) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateRestoring {
		c.mu.Unlock()
		return
	}
	if wipe {
		c.store.Clear(context.Background())
	}
	c.state = StateUnauthenticated
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info("restore: unauthenticated", zap.String("reason", reason))
	c.notify(st)
}

// install sets the in-memory session. Callers hold c.mu.
func (c *Controller) install(token string, user model.User, now time.Time) {
	u := user
	c.token = token
	c.user = &u
	c.lastActive = c.policy.Touch(now)
	c.state = StateAuthenticated
}

// Login signs in. On failure the current session, if any, is left untouched
// and a displayable *errs.AuthError is returned.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return &errs.AuthError{Message: "username and password are required", Err: errs.ErrValidation}
	}
	if c.lim != nil {
		if ok, retry, err := c.lim.Allow(ctx, username); err == nil && !ok {
			msg := fmt.Sprintf("too many failed attempts, try again in %s", retry.Round(time.Second))
			return &errs.AuthError{Message: msg, Err: errs.ErrRateLimited}
		}
	}
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	user, token, err := c.gw.Login(ctx, username, password)
	if err != nil {
		c.log.Info("login failed", zap.String("user", username), zap.Error(err))
		c.loginRejected(ctx, username, err)
		return loginError(err)
	}
	if c.lim != nil {
		_ = c.lim.Success(ctx, username)
	}
	if token == "" {
		return &errs.AuthError{Message: "malformed login response", Err: errs.ErrUnauthorized}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Info("login result dropped, session ended while pending", zap.String("user", username))
		return &errs.AuthError{Message: "session ended while signing in", Err: errs.ErrSuperseded}
	}
	now := c.now()
	c.install(token, user, now)
	if !c.store.Save(ctx, token, user, c.lastActive) {
		c.log.Warn("login: session not persisted, it will not survive a restart")
	}
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info("logged in", zap.String("user", user.Username), zap.String("role", string(user.Role)))
	c.notify(st)
	return nil
}

// loginRejected counts failures caused by the credentials, not by the network
// or the server being down.
func (c *Controller) loginRejected(ctx context.Context, username string, err error) {
	var se *errs.ServerError
	if c.lim == nil || !errors.As(err, &se) || se.Status < 400 || se.Status >= 500 || se.Status == 429 {
		return
	}
	if blocked, d, lerr := c.lim.Failure(ctx, username); lerr == nil && blocked {
		c.log.Warn("login blocked", zap.String("user", username), zap.Duration("for", d))
	}
}

func loginError(err error) error {
	var se *errs.ServerError
	switch {
	case errors.As(err, &se) && se.Message != "":
		return &errs.AuthError{Message: se.Message, Err: err}
	case errors.Is(err, errs.ErrRateLimited):
		return &errs.AuthError{Message: "too many failed attempts, try again later", Err: err}
	case errors.Is(err, errs.ErrTimeout):
		return &errs.AuthError{Message: "request timed out, please try again", Err: err}
	default:
		return &errs.AuthError{Message: "network error", Err: err}
	}
}

// Logout signs out on the server (best-effort) and always clears local state.
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	defer c.endSession("logout")
	if token == "" {
		return
	}
	if err := c.gw.Logout(ctx, token); err != nil {
		c.log.Info("remote logout failed", zap.Error(err))
	}
}

// OnUnauthorized is invoked by the gateway for every 401. Concurrent calls
// collapse into a single cleanup.
func (c *Controller) OnUnauthorized() { c.endSession("unauthorized") }

// OnActivity is invoked by the gateway after every successful authenticated call.
func (c *Controller) OnActivity() { c.activity(context.Background(), "activity") }

// OnForeground re-checks expiry when the app becomes active.
func (c *Controller) OnForeground(ctx context.Context) { c.activity(ctx, "foreground") }

// OnBackground persists the current time so background time counts as inactivity.
func (c *Controller) OnBackground(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return
	}
	c.lastActive = c.policy.Touch(c.now())
	c.store.Touch(ctx, c.lastActive)
}

// activity expires the session if the inactivity window has passed, otherwise touches it.
func (c *Controller) activity(ctx context.Context, source string) {
	c.mu.Lock()
	if c.user == nil {
		c.mu.Unlock()
		return
	}
	now := c.now()
	last := c.lastActive
	if c.policy.IsExpired(&last, now) || c.policy.TokenExpired(c.token, now) {
		// cleared under the same lock that saw the expiry, so a login that
		// lands afterwards is never wiped by it
		st, changed := c.clearLocked()
		c.mu.Unlock()
		c.log.Info("session expired", zap.String("source", source), zap.Time("last_active", last))
		if changed {
			c.notify(st)
		}
		return
	}
	c.lastActive = c.policy.Touch(now)
	c.store.Touch(ctx, c.lastActive)
	c.mu.Unlock()
}

// endSession forces StateUnauthenticated and clears storage. Idempotent.
func (c *Controller) endSession(reason string) {
	_, _, _ = c.ending.Do("end", func() (any, error) {
		c.mu.Lock()
		st, changed := c.clearLocked()
		c.mu.Unlock()

		if changed {
			c.log.Info("session ended", zap.String("reason", reason))
			c.notify(st)
		}
		return nil, nil
	})
}

// clearLocked drops the session, wipes storage and starts a new epoch. Callers
// hold c.mu and notify with the returned status when changed is true.
func (c *Controller) clearLocked() (Status, bool) {
	c.epoch++
	changed := c.state != StateUnauthenticated || c.user != nil
	c.token = ""
	c.user = nil
	c.lastActive = time.Time{}
	c.state = StateUnauthenticated
	c.store.Clear(context.Background())
	return c.statusLocked(), changed
}
