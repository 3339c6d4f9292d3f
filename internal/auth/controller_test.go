package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/limiter"
	"github.com/and161185/fixdesk/internal/model"
	"github.com/and161185/fixdesk/internal/session"
	"github.com/and161185/fixdesk/internal/tokenstore"
)

/************ fakes ************/

type fakeGateway struct {
	mu sync.Mutex

	loginUser  model.User
	loginToken string
	loginErr   error
	// loginStarted is signalled when Login is entered; Login then waits on loginGate.
	loginStarted chan struct{}
	loginGate    chan struct{}

	meUser model.User
	meErr  error
	meHook func()

	logoutErr error

	loginCalls, logoutCalls, meCalls int
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) Login(ctx context.Context, username, password string) (model.User, string, error) {
	g.mu.Lock()
	g.loginCalls++
	started, gate := g.loginStarted, g.loginGate
	u, tok, err := g.loginUser, g.loginToken, g.loginErr
	g.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	return u, tok, err
}

func (g *fakeGateway) Logout(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logoutCalls++
	return g.logoutErr
}

func (g *fakeGateway) Me(context.Context, string) (model.User, error) {
	g.mu.Lock()
	g.meCalls++
	hook := g.meHook
	u, err := g.meUser, g.meErr
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return u, err
}

type memStore struct {
	mu    sync.Mutex
	snap  tokenstore.Snapshot
	saves int
	clear int
}

var _ tokenstore.Store = (*memStore)(nil)

func (s *memStore) Save(_ context.Context, token string, user model.User, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := user
	s.snap = tokenstore.Snapshot{Token: token, User: &u, LastActiveAt: &at, LastUsername: user.Username}
	s.saves++
	return true
}

func (s *memStore) Touch(_ context.Context, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastActiveAt = &at
	return true
}

func (s *memStore) Load(context.Context) tokenstore.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *memStore) Clear(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = tokenstore.Snapshot{LastUsername: s.snap.LastUsername}
	s.clear++
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	t0    = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	alice = model.User{ID: "u-1", Username: "alice", Role: model.RoleITAdmin}
	bob   = model.User{ID: "u-2", Username: "bob", Role: model.RoleUser}
)

func newController(gw Gateway, store tokenstore.Store) (*Controller, *clock) {
	clk := &clock{t: t0}
	return New(gw, store, session.NewPolicy(), zap.NewNop(), WithClock(clk.Now)), clk
}

func stored(token string, u model.User, at time.Time) *memStore {
	s := &memStore{}
	s.Save(context.Background(), token, u, at)
	return s
}

/************ restore ************/

func TestRestore_NoToken(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	c, _ := newController(gw, &memStore{})
	require.Equal(t, StateUnknown, c.Status().State)

	c.Restore(context.Background())
	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.Zero(t, gw.meCalls)
}

func TestRestore_ExpiredClearsStore(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := stored("T", alice, t0.Add(-72*time.Hour))
	c, _ := newController(gw, store)

	c.Restore(context.Background())
	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.False(t, store.Load(context.Background()).HasToken())
	require.Nil(t, store.Load(context.Background()).User)
	require.Zero(t, gw.meCalls, "expired session must not be revalidated")
}

func TestRestore_ValidRevalidates(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := stored("T", alice, t0.Add(-47*time.Hour))
	c, _ := newController(gw, store)

	var seen []State
	c.Subscribe(func(s Status) { seen = append(seen, s.State) })

	c.Restore(context.Background())
	st := c.Status()
	require.Equal(t, StateAuthenticated, st.State)
	require.Equal(t, "alice", st.User.Username)
	require.True(t, st.IsAdmin())
	require.Equal(t, "T", c.Token())
	require.True(t, t0.Equal(*store.Load(context.Background()).LastActiveAt), "refreshed lastActiveAt persisted")
	require.Equal(t, []State{StateRestoring, StateAuthenticated}, seen)

	// once only
	c.Restore(context.Background())
	require.Equal(t, 1, gw.meCalls)
}

func TestRestore_RevalidationFailureClears(t *testing.T) {
	t.Parallel()
	for _, err := range []error{
		&errs.ServerError{Status: 401, Message: "token revoked"},
		errs.ErrNetwork,
		errs.ErrTimeout,
	} {
		gw := &fakeGateway{meErr: err}
		store := stored("T", alice, t0)
		c, _ := newController(gw, store)

		c.Restore(context.Background())
		require.Equal(t, StateUnauthenticated, c.Status().State, "err=%v", err)
		require.False(t, store.Load(context.Background()).HasToken())
	}
}

func TestRestore_UnauthorizedDuringRevalidation(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meErr: &errs.ServerError{Status: 401}}
	store := stored("T", alice, t0)
	c, _ := newController(gw, store)
	// the gateway reports the 401 to the session owner before returning
	gw.meHook = c.OnUnauthorized

	c.Restore(context.Background())
	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.False(t, store.Load(context.Background()).HasToken())
}

func TestRestore_MissingTimestampIsFailOpen(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := &memStore{snap: tokenstore.Snapshot{Token: "T"}}
	c, _ := newController(gw, store)

	c.Restore(context.Background())
	require.Equal(t, StateAuthenticated, c.Status().State)

	gw2 := &fakeGateway{meUser: alice}
	store2 := &memStore{snap: tokenstore.Snapshot{Token: "T"}}
	strict := New(gw2, store2, session.Policy{ExpireUntracked: true}, nil, WithClock(func() time.Time { return t0 }))
	strict.Restore(context.Background())
	require.Equal(t, StateUnauthenticated, strict.Status().State)
	require.Zero(t, gw2.meCalls)
}

/************ login / logout ************/

func TestLogin_Success(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{loginUser: bob, loginToken: "T2"}
	store := &memStore{}
	c, _ := newController(gw, store)
	c.Restore(context.Background())

	require.NoError(t, c.Login(context.Background(), "bob", "pw"))
	require.True(t, c.IsAuthenticated())
	require.False(t, c.IsAdmin())
	snap := store.Load(context.Background())
	require.Equal(t, "T2", snap.Token)
	require.Equal(t, "bob", snap.User.Username)
	require.True(t, t0.Equal(*snap.LastActiveAt))
}

func TestLogin_FailureKeepsSession(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := stored("T", alice, t0)
	c, _ := newController(gw, store)
	c.Restore(context.Background())
	require.True(t, c.IsAuthenticated())

	gw.loginErr = &errs.ServerError{Status: 401, Message: "Invalid username or password"}
	err := c.Login(context.Background(), "alice", "wrong")
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "Invalid username or password", ae.Message)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	require.True(t, c.IsAuthenticated())
	require.Equal(t, "T", c.Token())
	require.Equal(t, "T", store.Load(context.Background()).Token)
}

func TestLogin_ErrorMessages(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{errs.ErrNetwork, "network error"},
		{errs.ErrTimeout, "request timed out, please try again"},
		{&errs.ServerError{Status: 500}, "network error"},
	}
	for _, tc := range cases {
		c, _ := newController(&fakeGateway{loginErr: tc.err}, &memStore{})
		err := c.Login(context.Background(), "u", "p")
		require.EqualError(t, err, tc.want)
		require.ErrorIs(t, err, tc.err)
	}

	c, _ := newController(&fakeGateway{}, &memStore{})
	require.ErrorIs(t, c.Login(context.Background(), "", "p"), errs.ErrValidation)
	require.Error(t, c.Login(context.Background(), "u", "p"), "empty token in response")
	require.False(t, c.IsAuthenticated())
}

func TestLogin_ThenRestoreInFreshProcess(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "fixdesk")
	gw := &fakeGateway{loginUser: alice, loginToken: "T", meUser: alice}

	first, _ := newController(gw, tokenstore.NewFile(dir, "", nil))
	first.Restore(context.Background())
	require.NoError(t, first.Login(context.Background(), "alice", "pw"))

	clk := &clock{t: t0.Add(47 * time.Hour)}
	second := New(gw, tokenstore.NewFile(dir, "", nil), session.NewPolicy(), nil, WithClock(clk.Now))
	second.Restore(context.Background())
	st := second.Status()
	require.Equal(t, StateAuthenticated, st.State)
	require.Equal(t, alice, *st.User)
}

func TestLogin_ThrottledAfterRepeatedRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &clock{t: t0}
	lim := limiter.NewMemory(15*time.Minute, 3, time.Minute).WithClock(clk.Now)
	gw := &fakeGateway{loginErr: errs.ErrNetwork}
	c := New(gw, &memStore{}, session.NewPolicy(), zap.NewNop(), WithClock(clk.Now), WithLimiter(lim))

	// network failures do not count against the user
	for i := 0; i < 5; i++ {
		require.Error(t, c.Login(ctx, "alice", "pw"))
	}
	gw.loginErr = &errs.ServerError{Status: 401, Message: "Invalid credentials"}
	for i := 0; i < 3; i++ {
		require.Error(t, c.Login(ctx, "alice", "bad"))
	}
	require.Equal(t, 8, gw.loginCalls)

	err := c.Login(ctx, "alice", "good")
	var ae *errs.AuthError
	require.ErrorAs(t, err, &ae)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, "too many failed attempts, try again in 1m0s", ae.Message)
	require.Equal(t, 8, gw.loginCalls, "blocked attempt never reaches the server")

	clk.Advance(time.Minute + time.Second)
	gw.loginErr, gw.loginUser, gw.loginToken = nil, alice, "T"
	require.NoError(t, c.Login(ctx, "alice", "good"))
	require.Equal(t, StateAuthenticated, c.Status().State)
}

func TestLogout_IdempotentAndAlwaysClears(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice, logoutErr: errs.ErrNetwork}
	store := stored("T", alice, t0)
	c, _ := newController(gw, store)
	c.Restore(context.Background())

	c.Logout(context.Background())
	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.False(t, store.Load(context.Background()).HasToken())
	require.Equal(t, "", c.Token())

	c.Logout(context.Background())
	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.False(t, store.Load(context.Background()).HasToken())
	require.Equal(t, 1, gw.logoutCalls, "no remote call without a session")
	require.Equal(t, "alice", c.LastUsername(context.Background()))
}

/************ lifecycle ************/

func TestBackgroundThenForegroundAfterThreeDays(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := stored("T", alice, t0)
	c, clk := newController(gw, store)
	c.Restore(context.Background())

	c.OnBackground(context.Background())
	require.True(t, t0.Equal(*store.Load(context.Background()).LastActiveAt))

	clk.Advance(72 * time.Hour)
	c.OnForeground(context.Background())
	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.False(t, store.Load(context.Background()).HasToken())
}

func TestForegroundWithinWindowTouches(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := stored("T", alice, t0)
	c, clk := newController(gw, store)
	c.Restore(context.Background())

	c.OnBackground(context.Background())
	clk.Advance(24 * time.Hour)
	c.OnForeground(context.Background())
	require.True(t, c.IsAuthenticated())
	require.True(t, t0.Add(24*time.Hour).Equal(*store.Load(context.Background()).LastActiveAt))

	// another 47h idle still fits because foreground refreshed the clock
	clk.Advance(47 * time.Hour)
	c.OnForeground(context.Background())
	require.True(t, c.IsAuthenticated())
}

func TestLifecycleWithoutSessionIsNoop(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	c, _ := newController(&fakeGateway{}, store)
	c.Restore(context.Background())
	c.OnBackground(context.Background())
	c.OnForeground(context.Background())
	c.OnActivity()
	require.Nil(t, store.Load(context.Background()).LastActiveAt)
	require.Equal(t, StateUnauthenticated, c.Status().State)
}

func TestActivityAfterLongIdleExpires(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := stored("T", alice, t0)
	c, clk := newController(gw, store)
	c.Restore(context.Background())

	clk.Advance(time.Hour)
	c.OnActivity()
	require.True(t, t0.Add(time.Hour).Equal(*store.Load(context.Background()).LastActiveAt))

	clk.Advance(49 * time.Hour)
	c.OnActivity()
	require.False(t, c.IsAuthenticated())
}

/************ races ************/

func TestLoginAfterExpiryDetectionSurvives(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice, loginUser: bob, loginToken: "fresh"}
	store := stored("T", alice, t0)
	clk := &clock{t: t0}

	var c *Controller
	var once sync.Once
	loginErr := make(chan error, 1)
	// sign in from inside the expiry path, right after the expiry is logged
	core, _ := observer.New(zap.InfoLevel)
	log := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "session expired" {
			once.Do(func() { loginErr <- c.Login(context.Background(), "bob", "pw") })
		}
		return nil
	}))
	c = New(gw, store, session.NewPolicy(), log, WithClock(clk.Now))
	c.Restore(context.Background())
	require.True(t, c.IsAuthenticated())

	clk.Advance(49 * time.Hour)
	c.OnActivity()

	require.NoError(t, <-loginErr)
	st := c.Status()
	require.Equal(t, StateAuthenticated, st.State)
	require.Equal(t, bob, *st.User)
	require.Equal(t, "fresh", c.Token())
	require.Equal(t, "fresh", store.Load(context.Background()).Token)
}

func TestUnauthorizedWhileLoginPending(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		loginUser:    alice,
		loginToken:   "late",
		loginStarted: make(chan struct{}),
		loginGate:    make(chan struct{}),
	}
	store := &memStore{}
	c, _ := newController(gw, store)
	c.Restore(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Login(context.Background(), "alice", "pw") }()

	<-gw.loginStarted
	c.OnUnauthorized()
	close(gw.loginGate)

	err := <-done
	require.ErrorIs(t, err, errs.ErrSuperseded)
	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.Equal(t, "", c.Token())
	require.False(t, store.Load(context.Background()).HasToken())
}

func TestLogoutWhileLoginPending(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		loginUser:    alice,
		loginToken:   "late",
		loginStarted: make(chan struct{}),
		loginGate:    make(chan struct{}),
	}
	c, _ := newController(gw, &memStore{})
	c.Restore(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Login(context.Background(), "alice", "pw") }()
	<-gw.loginStarted
	c.Logout(context.Background())
	close(gw.loginGate)

	require.Error(t, <-done)
	require.False(t, c.IsAuthenticated())
}

func TestConcurrentUnauthorizedCollapse(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{meUser: alice}
	store := stored("T", alice, t0)
	c, _ := newController(gw, store)
	c.Restore(context.Background())

	var mu sync.Mutex
	var ended int
	c.Subscribe(func(s Status) {
		if s.State == StateUnauthenticated {
			mu.Lock()
			ended++
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.OnUnauthorized()
		}()
	}
	wg.Wait()

	require.Equal(t, StateUnauthenticated, c.Status().State)
	require.Equal(t, 1, ended, "one transition for many 401s")
	require.False(t, store.Load(context.Background()).HasToken())
}

func TestSubscribe_Cancel(t *testing.T) {
	t.Parallel()
	c, _ := newController(&fakeGateway{loginUser: alice, loginToken: "T"}, &memStore{})
	var calls int
	cancel := c.Subscribe(func(Status) { calls++ })
	c.Restore(context.Background())
	cancel()
	require.NoError(t, c.Login(context.Background(), "alice", "pw"))
	require.Equal(t, 2, calls, "restoring + unauthenticated only")
}

func TestState_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "authenticated", StateAuthenticated.String())
	require.Equal(t, "invalid", State(99).String())
}
