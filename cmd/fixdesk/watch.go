//go:build unix

package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/and161185/fixdesk/internal/auth"
	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/lifecycle"
	"github.com/and161185/fixdesk/internal/model"
	"github.com/and161185/fixdesk/internal/tickets"
)

// cmdWatch keeps a session open and feeds it app-state changes from signals:
// SIGUSR1 sends the client to the background, SIGUSR2 brings it back, which
// re-checks inactivity and refreshes the list. Lines on stdin drive the list
// (see watcher.handle). It returns when the session ends or ctx is done.
func cmdWatch(ctx context.Context, a *app, args []string) error {
	fs := newFlags("watch")
	kind := kindFlag(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := newWatcher(a, tickets.New(a.client, k, a.log,
		tickets.WithPageSize(a.cfg.PageSize),
		tickets.WithDebounce(a.cfg.SearchDebounce),
	))
	defer w.close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	events := make(chan lifecycle.Event)
	go lifecycle.Pump(ctx, events, w)

	lines := readLines(ctx, a.in)

	w.load(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.ended:
			a.printf("session ended\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			w.handle(ctx, line)
		case sig := <-sigs:
			ev := lifecycle.Background
			if sig == syscall.SIGUSR2 {
				ev = lifecycle.Foreground
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// readLines delivers the non-empty lines of r until EOF or ctx is done. A nil
// r yields a nil channel, which never fires.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	if r == nil {
		return nil
	}
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// watcher bridges lifecycle transitions to the session and the list.
type watcher struct {
	a     *app
	list  *tickets.Synchronizer
	ended chan struct{}
	once  sync.Once
	unsub []func()
	// searching is set between a search command and the list settling on it.
	searching atomic.Bool
}

var _ lifecycle.Handler = (*watcher)(nil)

func newWatcher(a *app, list *tickets.Synchronizer) *watcher {
	w := &watcher{a: a, list: list, ended: make(chan struct{})}
	w.unsub = append(w.unsub, a.ctrl.Subscribe(func(st auth.Status) {
		if st.State == auth.StateUnauthenticated {
			w.once.Do(func() { close(w.ended) })
		}
	}))
	// debounced searches finish on a timer goroutine
	w.unsub = append(w.unsub, list.Subscribe(func(st tickets.State) {
		if st.SearchPending || st.LoadingFirstPage || st.Refreshing {
			return
		}
		if w.searching.CompareAndSwap(true, false) {
			w.report(st)
		}
	}))
	return w
}

func (w *watcher) close() {
	for _, fn := range w.unsub {
		fn()
	}
	w.list.Close()
}

// handle runs one stdin command:
//
//	search <text>          debounced free-text search, empty text clears it
//	kind <it|engineer>     switch ticket kind
//	more                   load the next page
//	refresh                reload the first page
//	status <id> <STATUS>   (admin) update a listed ticket in place
func (w *watcher) handle(ctx context.Context, line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "search":
		w.searching.Store(true)
		w.list.SetSearch(ctx, rest)
	case "kind":
		k, err := parseKind(rest)
		if err != nil {
			w.a.printf("%s\n", describe(err))
			return
		}
		w.after(w.list.SetKind(ctx, k))
	case "more":
		w.after(w.list.FetchNextPage(ctx))
	case "refresh":
		w.load(ctx, true)
	case "status":
		w.setStatus(ctx, rest)
	default:
		w.a.printf("unknown command %q\n", cmd)
	}
}

func (w *watcher) setStatus(ctx context.Context, args string) {
	id, status, _ := strings.Cut(args, " ")
	status = strings.ToUpper(strings.TrimSpace(status))
	if id == "" || status == "" {
		w.a.printf("%s\n", describe(&errs.ValidationError{Field: "status", Reason: "want <id> <STATUS>"}))
		return
	}
	if err := w.a.requireAdmin(); err != nil {
		w.a.printf("%s\n", describe(err))
		return
	}
	t, err := w.a.client.UpdateTicket(ctx, w.list.State().Kind, id, model.TicketPatch{Status: &status})
	if err != nil {
		w.a.printf("status: %s\n", describe(err))
		return
	}
	if w.list.ApplyServerTicket(t) {
		w.a.printf("ticket %s is %s\n", t.ID, t.Status)
	} else {
		w.a.printf("ticket %s is %s (not listed)\n", t.ID, t.Status)
	}
}

func (w *watcher) OnBackground(ctx context.Context) {
	w.a.ctrl.OnBackground(ctx)
	w.a.printf("background\n")
}

func (w *watcher) OnForeground(ctx context.Context) {
	w.a.ctrl.OnForeground(ctx)
	if !w.a.ctrl.IsAuthenticated() {
		return
	}
	w.a.printf("foreground\n")
	w.load(ctx, true)
}

func (w *watcher) load(ctx context.Context, refresh bool) {
	fetch := w.list.FetchFirstPage
	if refresh {
		fetch = w.list.Refresh
	}
	w.after(fetch(ctx))
}

// after reports the list once a synchronous fetch has returned.
func (w *watcher) after(err error) {
	if err != nil {
		w.a.printf("list: %s\n", describe(err))
		return
	}
	w.report(w.list.State())
}

func (w *watcher) report(st tickets.State) {
	if st.Err != nil {
		w.a.printf("list: %s\n", describe(st.Err))
		return
	}
	total := len(st.Items)
	if st.TotalCount != nil {
		total = *st.TotalCount
	}
	w.a.printf("%d %s tickets, %d shown\n", total, st.Kind, len(st.Items))
}
