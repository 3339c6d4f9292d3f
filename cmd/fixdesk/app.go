package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/fixdesk/internal/api"
	"github.com/and161185/fixdesk/internal/auth"
	"github.com/and161185/fixdesk/internal/config"
	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/limiter"
	"github.com/and161185/fixdesk/internal/session"
	"github.com/and161185/fixdesk/internal/tokenstore"
)

// app is one wired client: store, gateway and session controller.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	client *api.Client
	ctrl   *auth.Controller

	// in supplies passwords when login runs without -p, and list commands
	// to watch.
	in io.Reader

	outMu sync.Mutex
	out   io.Writer
}

func newApp(cfg config.Config, log *zap.Logger, out io.Writer) (*app, error) {
	dir := cfg.StateDir
	if dir == "" {
		dir = tokenstore.DefaultDir()
	}
	store := tokenstore.NewFile(dir, cfg.StorePassphrase, log)

	client, err := api.New(cfg.APIURL, log,
		api.WithTimeout(cfg.Timeout),
		api.WithUploadConcurrency(cfg.UploadConcurrency),
	)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}

	policy := session.Policy{Inactivity: cfg.Inactivity, ExpireUntracked: cfg.ExpireUntracked}
	lim := limiter.NewMemory(cfg.LoginWindow, cfg.LoginMaxFails, cfg.LoginLockout)
	ctrl := auth.New(client, store, policy, log, auth.WithLimiter(lim))
	client.Attach(ctrl)

	return &app{cfg: cfg, log: log, client: client, ctrl: ctrl, in: os.Stdin, out: out}, nil
}

var errNotSignedIn = fmt.Errorf("not signed in, run `fixdesk login`: %w", errs.ErrUnauthorized)

// requireSession fails fast when restore left no session.
func (a *app) requireSession() error {
	if !a.ctrl.IsAuthenticated() {
		return errNotSignedIn
	}
	return nil
}

var errAdminOnly = fmt.Errorf("admin role required: %w", errs.ErrForbidden)

func (a *app) requireAdmin() error {
	if err := a.requireSession(); err != nil {
		return err
	}
	if !a.ctrl.IsAdmin() {
		return errAdminOnly
	}
	return nil
}

// printf is safe to call from watch callbacks.
func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = fmt.Fprintf(a.out, format, args...)
}
