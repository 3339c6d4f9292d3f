package apitest

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/and161185/fixdesk/internal/limiter"
	"github.com/and161185/fixdesk/internal/model"
)

// Argon2id parameters, kept cheap since every test pays for them.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 8 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

type account struct {
	user model.User
	salt []byte
	hash []byte
}

func hashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func (a *account) verify(password string) bool {
	return subtle.ConstantTimeCompare(hashPassword([]byte(password), a.salt), a.hash) == 1
}

// AddUser registers an account and returns its public record.
func (s *Server) AddUser(username, password string, role model.Role) model.User {
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	u := model.User{ID: uuid.Must(uuid.NewV4()).String(), Username: username, Role: role}
	acc := &account{user: u, salt: salt, hash: hashPassword([]byte(password), salt)}

	s.mu.Lock()
	s.accounts[username] = acc
	s.mu.Unlock()
	return u
}

// Revoke invalidates every token issued to username.
func (s *Server) Revoke(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, name := range s.sessions {
		if name == username {
			delete(s.sessions, id)
		}
	}
}

// Sessions returns the number of live tokens.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) issueToken(u model.User) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Subject:   u.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[claims.ID] = u.Username
	s.mu.Unlock()
	return signed, nil
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" || in.Password == "" {
		fail(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	key := limiter.Key(in.Username, clientHost(r))
	allowed, _, err := s.lim.Allow(r.Context(), key)
	if err != nil {
		fail(w, http.StatusInternalServerError, "internal")
		return
	}
	if !allowed {
		fail(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}

	s.mu.Lock()
	acc, found := s.accounts[in.Username]
	s.mu.Unlock()
	if !found || !acc.verify(in.Password) {
		if blocked, _, ferr := s.lim.Failure(r.Context(), key); ferr == nil && blocked {
			fail(w, http.StatusTooManyRequests, "Too many login attempts")
			return
		}
		// unknown user and wrong password look the same
		fail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	_ = s.lim.Success(r.Context(), key)

	tok, err := s.issueToken(acc.user)
	if err != nil {
		fail(w, http.StatusInternalServerError, "internal")
		return
	}
	ok(w, http.StatusOK, map[string]any{"user": acc.user, "token": tok})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	c, _ := claimsFrom(r.Context())
	s.mu.Lock()
	delete(s.sessions, c.ID)
	s.mu.Unlock()
	ok(w, http.StatusOK, nil)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, _ := userFrom(r.Context())
	ok(w, http.StatusOK, map[string]any{"user": u})
}

// authed verifies the bearer token and puts the caller in the request context.
func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := bearerToken(r)
		if err != nil {
			fail(w, http.StatusUnauthorized, "no token provided")
			return
		}
		claims, err := s.verifyToken(tok)
		if err != nil {
			fail(w, http.StatusUnauthorized, err.Error())
			return
		}

		s.mu.Lock()
		name, live := s.sessions[claims.ID]
		acc := s.accounts[name]
		s.mu.Unlock()
		if !live || acc == nil {
			fail(w, http.StatusUnauthorized, "token revoked")
			return
		}
		ctx := withUser(r.Context(), acc.user, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var (
	errTokenExpired = errors.New("token expired")
	errTokenInvalid = errors.New("invalid token")
)

func (s *Server) verifyToken(tok string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, errTokenExpired
	case err != nil || !parsed.Valid:
		return claims, errTokenInvalid
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	for _, v := range r.Header.Values("Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---- request context ----

type ctxKey string

const callerKey ctxKey = "apitest.caller"

type caller struct {
	user   model.User
	claims jwt.RegisteredClaims
}

func withUser(ctx context.Context, u model.User, c jwt.RegisteredClaims) context.Context {
	return context.WithValue(ctx, callerKey, caller{user: u, claims: c})
}

func userFrom(ctx context.Context) (model.User, bool) {
	c, ok := ctx.Value(callerKey).(caller)
	return c.user, ok
}

func claimsFrom(ctx context.Context) (jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(callerKey).(caller)
	return c.claims, ok
}
