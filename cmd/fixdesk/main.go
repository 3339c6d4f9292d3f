// Command fixdesk is a terminal client for the fixdesk ticketing service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/fixdesk/internal/config"
	"github.com/and161185/fixdesk/internal/errs"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `fixdesk CLI
Usage:
  fixdesk [-api URL] [-timeout D] [-state DIR] [-debug] <cmd> [args]

Commands:
  version
  login    [-u <username>] [-p <password>]   (without -p, reads passwords from stdin)
  logout
  whoami
  list     [-kind it|engineer] [-search s] [-status S] [-type T]
           [-from YYYY-MM-DD] [-to YYYY-MM-DD] [-mine] [-all | -pages N]
  show     -id <id>
  create   -title t -desc d -dept d -area a -type t [-photo file]...
  status   -id <id> -set <STATUS>                      (admin)
  assign   -id <id> -to <name>                         (admin)
  notes    -id <id> -text <notes>                      (admin)
  info     -id <id> -by <name>                         (admin)
  upload   -id <id> [-admin] -photo file [-photo file]...
  stats                                                (admin)
  watch    (SIGUSR1 = background, SIGUSR2 = foreground, Ctrl-C to quit;
           stdin: search <text> | kind <it|engineer> | more | refresh |
           status <id> <STATUS>)

Environment: FIXDESK_API_URL, FIXDESK_TIMEOUT, FIXDESK_STATE_DIR,
FIXDESK_STORE_PASSPHRASE, FIXDESK_PAGE_SIZE, FIXDESK_SEARCH_DEBOUNCE,
FIXDESK_INACTIVITY, FIXDESK_UPLOAD_CONCURRENCY, FIXDESK_EXPIRE_UNTRACKED,
FIXDESK_LOGIN_MAX_FAILS, FIXDESK_LOGIN_WINDOW, FIXDESK_LOGIN_LOCKOUT,
FIXDESK_DEBUG (a .env file in the working directory is read too).
`)
	os.Exit(2)
}

// main loads configuration, wires the client and dispatches the subcommand.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}

	// flags override the environment
	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "API base URL")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request timeout")
	flag.StringVar(&cfg.StateDir, "state", cfg.StateDir, "session state directory")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "version" {
		fmt.Printf("fixdesk %s (%s)\n", version, buildDate)
		return
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		fail(err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fail(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, os.Stdout)
	if err != nil {
		fail(err)
	}
	a.ctrl.Restore(ctx)

	if err := run(ctx, a, cmd, args); err != nil {
		if errors.Is(err, errUsage) {
			usage()
		}
		stop()
		fail(err)
	}
}

var errUsage = errors.New("usage")

// run dispatches cmd. It is the seam the tests drive.
func run(ctx context.Context, a *app, cmd string, args []string) error {
	switch cmd {
	case "login":
		return cmdLogin(ctx, a, args)
	case "logout":
		return cmdLogout(ctx, a)
	case "whoami":
		return cmdWhoami(a)
	case "list":
		return cmdList(ctx, a, args)
	case "show":
		return cmdShow(ctx, a, args)
	case "create":
		return cmdCreate(ctx, a, args)
	case "status":
		return cmdPatch(ctx, a, "status", args)
	case "assign":
		return cmdPatch(ctx, a, "assign", args)
	case "notes":
		return cmdPatch(ctx, a, "notes", args)
	case "info":
		return cmdPatch(ctx, a, "info", args)
	case "upload":
		return cmdUpload(ctx, a, args)
	case "stats":
		return cmdStats(ctx, a, args)
	case "watch":
		return cmdWatch(ctx, a, args)
	default:
		return errUsage
	}
}

// newLogger writes warnings and above as JSON, or everything in console
// format when debugging.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return cfg.Build()
}

// ---- helpers ----

// describe turns an error into the line shown to the user.
func describe(err error) string {
	var ae *errs.AuthError
	var ve *errs.ValidationError
	var se *errs.ServerError
	switch {
	case errors.As(err, &ae):
		return "login failed: " + ae.Message
	case errors.As(err, &ve):
		return "invalid " + ve.Error()
	case errors.Is(err, errs.ErrUnauthorized):
		return "session ended, run `fixdesk login`"
	case errors.Is(err, errs.ErrForbidden):
		return "not allowed for your role"
	case errors.Is(err, errs.ErrNotFound):
		return "not found"
	case errors.As(err, &se):
		return "server: " + se.Error()
	case errors.Is(err, errs.ErrTimeout):
		return "request timed out, please try again"
	case errors.Is(err, errs.ErrNetwork):
		return "network error: " + err.Error()
	}
	return err.Error()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, describe(err))
	os.Exit(1)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
