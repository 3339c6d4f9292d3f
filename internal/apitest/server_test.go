package apitest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/fixdesk/internal/api"
	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/model"
	"github.com/and161185/fixdesk/internal/tickets"
)

type token struct {
	mu           sync.Mutex
	tok          string
	unauthorized int
}

func (s *token) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok
}

func (s *token) OnUnauthorized() {
	s.mu.Lock()
	s.unauthorized++
	s.mu.Unlock()
}

func (s *token) OnActivity() {}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func client(t *testing.T, s *Server) (*api.Client, *token) {
	t.Helper()
	c, err := api.New(s.URL, zap.NewNop(), api.WithTimeout(2*time.Second))
	require.NoError(t, err)
	sess := &token{}
	c.Attach(sess)
	return c, sess
}

func signIn(t *testing.T, c *api.Client, sess *token, user, pass string) {
	t.Helper()
	_, tok, err := c.Login(context.Background(), user, pass)
	require.NoError(t, err)
	sess.mu.Lock()
	sess.tok = tok
	sess.mu.Unlock()
}

func TestLogin_MeLogout(t *testing.T) {
	t.Parallel()
	s := New(t)
	alice := s.AddUser("alice", "s3cret", model.RoleITAdmin)
	c, _ := client(t, s)
	ctx := context.Background()

	_, _, err := c.Login(ctx, "alice", "nope")
	var se *errs.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Status)
	require.Equal(t, "Invalid credentials", se.Message)

	_, _, err = c.Login(ctx, "mallory", "nope")
	require.ErrorAs(t, err, &se)
	require.Equal(t, "Invalid credentials", se.Message)

	u, tok, err := c.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	require.Equal(t, alice, u)
	require.NotEmpty(t, tok)
	require.Equal(t, 1, s.Sessions())

	me, err := c.Me(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, alice.ID, me.ID)

	require.NoError(t, c.Logout(ctx, tok))
	require.Zero(t, s.Sessions())
	_, err = c.Me(ctx, tok)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestToken_ExpiresWithClock(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Now()}
	s := New(t, WithClock(clk.Now), WithTokenTTL(time.Hour))
	s.AddUser("bob", "hunter2", model.RoleUser)
	c, _ := client(t, s)

	_, tok, err := c.Login(context.Background(), "bob", "hunter2")
	require.NoError(t, err)
	clk.Advance(59 * time.Minute)
	_, err = c.Me(context.Background(), tok)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = c.Me(context.Background(), tok)
	var se *errs.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Status)
	require.Equal(t, "token expired", se.Message)
}

func TestRevoke_ReportsUnauthorized(t *testing.T) {
	t.Parallel()
	s := New(t)
	s.AddUser("bob", "hunter2", model.RoleUser)
	c, sess := client(t, s)
	signIn(t, c, sess, "bob", "hunter2")

	s.Revoke("bob")
	_, err := c.ListTickets(context.Background(), model.KindIT, nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, 1, sess.unauthorized)
}

func TestLogin_LockedOutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	s := New(t)
	s.AddUser("bob", "hunter2", model.RoleUser)
	c, _ := client(t, s)
	ctx := context.Background()

	for range 4 {
		_, _, err := c.Login(ctx, "bob", "wrong")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
	_, _, err := c.Login(ctx, "bob", "wrong")
	require.ErrorIs(t, err, errs.ErrRateLimited)

	// even the right password waits out the lockout
	_, _, err = c.Login(ctx, "bob", "hunter2")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Zero(t, s.Sessions())
}

func TestList_FiltersAndPages(t *testing.T) {
	t.Parallel()
	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	s := New(t)
	bob := s.AddUser("bob", "hunter2", model.RoleUser)
	eve := s.AddUser("eve", "pw", model.RoleUser)
	s.AddTicket(model.KindIT, model.Ticket{Title: "Printer jam", TypeOfDamage: "Hardware", CreatedBy: &bob, CreatedAt: day})
	s.AddTicket(model.KindIT, model.Ticket{Title: "VPN down", TypeOfDamage: "Network", CreatedBy: &eve, CreatedAt: day.AddDate(0, 0, 1)})
	s.AddTicket(model.KindIT, model.Ticket{Title: "Printer toner", TypeOfDamage: "Hardware", Status: model.StatusCompleted, CreatedBy: &bob, CreatedAt: day.AddDate(0, 0, 2)})
	s.AddTicket(model.KindEngineer, model.Ticket{Title: "Printer room leak", CreatedBy: &bob, CreatedAt: day})

	c, sess := client(t, s)
	signIn(t, c, sess, "bob", "hunter2")
	ctx := context.Background()

	page, err := c.ListTickets(ctx, model.KindIT, tickets.BuildQuery(model.Filters{Search: " printer "}, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
	require.Equal(t, model.StatusCounts{model.StatusNew: 1, model.StatusCompleted: 1}, page.StatusCounts)
	require.Len(t, page.Tickets, 1)
	require.Equal(t, "Printer toner", page.Tickets[0].Title, "newest first")

	page, err = c.ListTickets(ctx, model.KindIT, tickets.BuildQuery(model.Filters{Search: "printer"}, 1, 1))
	require.NoError(t, err)
	require.Equal(t, "Printer jam", page.Tickets[0].Title)

	page, err = c.ListTickets(ctx, model.KindIT, tickets.BuildQuery(model.Filters{Search: "printer"}, 2, 1))
	require.NoError(t, err)
	require.Empty(t, page.Tickets)

	tests := []struct {
		name string
		f    model.Filters
		want int
	}{
		{"status", model.Filters{Status: model.StatusCompleted}, 1},
		{"type", model.Filters{DamageType: "Network"}, 1},
		{"start", model.Filters{DateRange: model.DateRange{Start: day.AddDate(0, 0, 1)}}, 2},
		{"end", model.Filters{DateRange: model.DateRange{End: day}}, 1},
		{"mine", model.Filters{MineOnly: true}, 2},
		{"combined", model.Filters{MineOnly: true, DamageType: "Hardware", Status: model.StatusNew}, 1},
	}
	for _, tt := range tests {
		page, err := c.ListTickets(ctx, model.KindIT, tickets.BuildQuery(tt.f, 0, 20))
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.want, page.Count, tt.name)
	}

	page, err = c.ListTickets(ctx, model.KindEngineer, nil)
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	require.Len(t, s.Queries(), len(tests)+4)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	s := New(t)
	s.AddUser("alice", "s3cret", model.RoleITAdmin)
	s.AddUser("bob", "hunter2", model.RoleUser)
	tk := s.AddTicket(model.KindIT, model.Ticket{Title: "Leak", Department: "Ops", TypeOfDamage: "Plumbing"})

	admin, as := client(t, s)
	signIn(t, admin, as, "alice", "s3cret")
	user, us := client(t, s)
	signIn(t, user, us, "bob", "hunter2")
	ctx := context.Background()

	done := model.StatusCompleted
	_, err := user.UpdateTicket(ctx, model.KindIT, tk.ID, model.TicketPatch{Status: &done})
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = user.Stats(ctx, model.KindIT)
	require.ErrorIs(t, err, errs.ErrForbidden)

	got, err := admin.UpdateTicket(ctx, model.KindIT, tk.ID, model.TicketPatch{Status: &done})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	_, err = admin.UpdateTicket(ctx, model.KindIT, "nope", model.TicketPatch{Status: &done})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = admin.UpdateTicket(ctx, model.KindIT, tk.ID, model.TicketPatch{})
	var se *errs.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Status)

	st, err := admin.Stats(ctx, model.KindIT)
	require.NoError(t, err)
	require.Equal(t, 1, st.Total)
	require.Equal(t, 1, st.ByStatus[model.StatusCompleted])
	require.Equal(t, 1, st.ByDepartment["Ops"])
}

func TestCreateAndUpload(t *testing.T) {
	t.Parallel()
	s := New(t)
	bob := s.AddUser("bob", "hunter2", model.RoleUser)
	c, sess := client(t, s)
	signIn(t, c, sess, "bob", "hunter2")
	ctx := context.Background()

	_, err := c.CreateTicket(ctx, model.KindEngineer, model.NewTicket{Title: "Leak"})
	var se *errs.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "description is required", se.Message)

	tk, err := c.CreateTicket(ctx, model.KindEngineer, model.NewTicket{
		Title: "Leak", Description: "Water", Department: "Ops", Area: "B2", TypeOfDamage: "Plumbing",
	})
	require.NoError(t, err)
	require.Equal(t, bob.ID, tk.CreatedBy.ID)
	require.Equal(t, model.StatusNew, tk.Status)

	photos := []model.Photo{{Name: "a.png", Data: []byte("\x89PNG\r\n\x1a\n")}}
	_, err = c.UploadImages(ctx, model.KindEngineer, tk.ID, photos, true)
	require.ErrorIs(t, err, errs.ErrForbidden)

	imgs, err := c.UploadImages(ctx, model.KindEngineer, tk.ID, photos, false)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, "/uploads/a.png", imgs[0].URL)

	stored, found := s.Ticket(model.KindEngineer, tk.ID)
	require.True(t, found)
	require.Equal(t, imgs, stored.Images)
	_, found = s.Ticket(model.KindIT, tk.ID)
	require.False(t, found)
}

func TestFail_ForcesResponseAndCountsHits(t *testing.T) {
	t.Parallel()
	s := New(t)
	s.AddUser("bob", "hunter2", model.RoleUser)
	c, sess := client(t, s)
	signIn(t, c, sess, "bob", "hunter2")

	s.Fail(http.MethodGet, "/api/tickets", http.StatusServiceUnavailable, "maintenance")
	_, err := c.ListTickets(context.Background(), model.KindIT, nil)
	var se *errs.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "maintenance", se.Message)

	s.Clear()
	_, err = c.ListTickets(context.Background(), model.KindIT, nil)
	require.NoError(t, err)
	require.Equal(t, 2, s.Hits(http.MethodGet, "/api/tickets"))
	require.Equal(t, 1, s.Hits(http.MethodPost, "/api/auth/login"))
}

func TestRecoverer_AnswersInternal(t *testing.T) {
	t.Parallel()
	h := recoverer(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"success":false,"message":"internal"}`, rec.Body.String())
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Add("Authorization", "Basic xyz")
	r.Header.Add("Authorization", "  bearer   tok.part.sig  ")
	got, err := bearerToken(r)
	require.NoError(t, err)
	require.Equal(t, "tok.part.sig", got)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer   ")
	_, err = bearerToken(r)
	require.Error(t, err)
}
