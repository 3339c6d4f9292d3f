// Package apitest runs an in-process fixdesk REST server for tests.
//
// It implements the same envelope, routes and status codes as the real
// service closely enough for the gateway, the session controller and the CLI
// to be exercised end to end: JWT bearer tokens with an expiry, a per-user
// login lockout, role checks on admin routes, filtering and pagination of both
// ticket kinds, and multipart photo uploads.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime/debug"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/fixdesk/internal/limiter"
	"github.com/and161185/fixdesk/internal/model"
)

// Server is a running fake API. All exported methods are safe for concurrent use.
type Server struct {
	// URL is the API root to hand to api.New.
	URL string

	log     *zap.Logger
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
	lim     limiter.Limiter

	mu       sync.Mutex
	accounts map[string]*account
	sessions map[string]string // token id -> username
	tickets  map[model.TicketKind][]model.Ticket
	nextID   int
	forced   map[string]forced
	hits     map[string]int
	queries  []url.Values
}

type forced struct {
	status int
	msg    string
}

// Option configures a Server.
type Option func(*Server)

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) Option { return func(s *Server) { s.ttl = d } }

// WithClock sets the server's notion of now, used for token issue and validation.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithLoginLimiter replaces the login lockout.
func WithLoginLimiter(l limiter.Limiter) Option { return func(s *Server) { s.lim = l } }

// WithLogger logs every request.
func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = log } }

// New starts a server that is closed when t finishes.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		log:      zap.NewNop(),
		signKey:  []byte("apitest-signing-key"),
		ttl:      time.Hour,
		now:      time.Now,
		accounts: map[string]*account{},
		sessions: map[string]string{},
		tickets:  map[model.TicketKind][]model.Ticket{},
		forced:   map[string]forced{},
		hits:     map[string]int{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.lim == nil {
		s.lim = limiter.NewMemory(15*time.Minute, 5, 15*time.Minute).WithClock(s.now)
	}

	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	s.URL = srv.URL + "/api"
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.log), logRequests(s.log), s.intercept)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Group(func(r chi.Router) {
			r.Use(s.authed)
			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.me)
			for _, kind := range []model.TicketKind{model.KindIT, model.KindEngineer} {
				r.Route(kind.Path(), func(r chi.Router) { s.ticketRoutes(r, kind) })
			}
		})
	})
	return r
}

// Fail makes every request to method and path (e.g. "GET", "/api/tickets")
// answer status with msg until Clear is called.
func (s *Server) Fail(method, path string, status int, msg string) {
	s.mu.Lock()
	s.forced[method+" "+path] = forced{status: status, msg: msg}
	s.mu.Unlock()
}

// Clear removes every forced failure.
func (s *Server) Clear() {
	s.mu.Lock()
	s.forced = map[string]forced{}
	s.mu.Unlock()
}

// Hits returns how many requests reached method and path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// Queries returns the query strings of every list request so far.
func (s *Server) Queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.queries...)
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.hits[key]++
		f, ok := s.forced[key]
		s.mu.Unlock()
		if ok {
			fail(w, f.status, f.msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- envelope ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

// fail answers in the {error: {message}} shape for auth failures and the
// {message} shape otherwise, as the real service does.
func fail(w http.ResponseWriter, status int, msg string) {
	if status == http.StatusUnauthorized {
		writeJSON(w, status, map[string]any{"success": false, "error": map[string]string{"message": msg}})
		return
	}
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

// ---- middleware ----

// logRequests logs metadata only, never bodies.
func logRequests(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("apitest",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("dur", time.Since(start)),
				zap.String("request_id", r.Header.Get("X-Request-ID")),
			)
		})
	}
}

func recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic",
						zap.Any("reason", rec),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", r.URL.Path),
					)
					fail(w, http.StatusInternalServerError, "internal")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
