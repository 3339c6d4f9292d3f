// Package tickets keeps the paginated, filtered ticket list in step with the
// server.
//
// Every fetch is tagged with the filter generation it was issued for. Changing
// filters, the ticket kind or refreshing starts a new generation, and responses
// that come back for an older one are dropped instead of being merged.
package tickets

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fixdesk/internal/model"
)

const (
	DefaultPageSize = 20
	DefaultDebounce = 400 * time.Millisecond
)

// Fetcher lists one page of tickets. *api.Client satisfies it.
type Fetcher interface {
	ListTickets(ctx context.Context, kind model.TicketKind, q url.Values) (model.Page, error)
}

// State is a point-in-time copy of the list for rendering.
type State struct {
	Kind    model.TicketKind
	Filters model.Filters
	Items   []model.Ticket

	LoadingFirstPage bool
	LoadingMore      bool
	Refreshing       bool
	HasMore          bool
	// SearchPending is set while search text waits out the debounce delay.
	SearchPending bool

	// TotalCount is nil until the server has reported one.
	TotalCount   *int
	StatusCounts model.StatusCounts
	// Err is the last fetch failure; cleared by the next successful fetch.
	Err error
}

// Synchronizer owns the list state. Methods are safe for concurrent use; the
// mutex is never held while a request is in flight.
type Synchronizer struct {
	fetch    Fetcher
	log      *zap.Logger
	pageSize int
	debounce time.Duration

	mu      sync.Mutex
	kind    model.TicketKind
	filters model.Filters
	gen     uint64
	items   []model.Ticket
	hasMore bool
	first   bool
	more    bool
	refresh bool
	total   *int
	counts  model.StatusCounts
	err     error
	timer   *time.Timer
	typing  uint64
	pending bool
	subs    map[int]func(State)
	nextSub int
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithPageSize sets the page size; values below 1 are ignored.
func WithPageSize(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithDebounce sets the search debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// New returns a Synchronizer for kind with empty filters. Nothing is fetched
// until FetchFirstPage or a filter change.
func New(f Fetcher, kind model.TicketKind, log *zap.Logger, opts ...Option) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Synchronizer{
		fetch:    f,
		log:      log.Named("tickets"),
		pageSize: DefaultPageSize,
		debounce: DefaultDebounce,
		kind:     kind,
		subs:     map[int]func(State){},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns a snapshot of the list.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Synchronizer) stateLocked() State {
	st := State{
		Kind:             s.kind,
		Filters:          s.filters,
		Items:            append([]model.Ticket(nil), s.items...),
		LoadingFirstPage: s.first,
		LoadingMore:      s.more,
		Refreshing:       s.refresh,
		HasMore:          s.hasMore,
		SearchPending:    s.pending,
		Err:              s.err,
	}
	if s.total != nil {
		n := *s.total
		st.TotalCount = &n
	}
	if s.counts != nil {
		st.StatusCounts = make(model.StatusCounts, len(s.counts))
		for k, v := range s.counts {
			st.StatusCounts[k] = v
		}
	}
	return st
}

// Subscribe registers fn for every state change and returns its cancel func.
// fn must not call back into the synchronizer synchronously.
func (s *Synchronizer) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// unlockAndNotify releases s.mu and delivers the state taken under it.
func (s *Synchronizer) unlockAndNotify() {
	st := s.stateLocked()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// FetchFirstPage clears the list and loads offset 0 with the current filters.
func (s *Synchronizer) FetchFirstPage(ctx context.Context) error {
	return s.firstPage(ctx, false)
}

// Refresh reloads offset 0 but keeps the current items visible until the
// response replaces them. A concurrent load-more is discarded.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.firstPage(ctx, true)
}

func (s *Synchronizer) firstPage(ctx context.Context, refresh bool) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if refresh {
		s.refresh = true
		s.first = false
	} else {
		s.items = nil
		s.hasMore = false
		s.first = true
		s.refresh = false
	}
	s.more = false
	kind := s.kind
	q := BuildQuery(s.filters, 0, s.pageSize)
	s.unlockAndNotify()

	page, err := s.fetch.ListTickets(ctx, kind, q)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("stale first page dropped", zap.Uint64("gen", gen))
		return nil
	}
	s.first = false
	s.refresh = false
	if err != nil {
		s.err = err
		s.unlockAndNotify()
		s.log.Info("first page failed", zap.String("kind", string(kind)), zap.Error(err))
		return err
	}
	s.items = append([]model.Ticket(nil), page.Tickets...)
	s.accept(page)
	s.unlockAndNotify()
	return nil
}

// FetchNextPage appends the page at offset len(items). It issues no request
// while another fetch is in flight, a search is pending, or the last page was
// short.
func (s *Synchronizer) FetchNextPage(ctx context.Context) error {
	s.mu.Lock()
	if s.more || s.first || s.refresh || s.pending || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.more = true
	gen := s.gen
	kind := s.kind
	q := BuildQuery(s.filters, len(s.items), s.pageSize)
	s.unlockAndNotify()

	page, err := s.fetch.ListTickets(ctx, kind, q)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("stale next page dropped", zap.Uint64("gen", gen))
		return nil
	}
	s.more = false
	if err != nil {
		s.err = err
		s.unlockAndNotify()
		s.log.Info("next page failed", zap.String("kind", string(kind)), zap.Error(err))
		return err
	}
	s.items = append(s.items, page.Tickets...)
	s.accept(page)
	s.unlockAndNotify()
	return nil
}

// accept records the bookkeeping common to both fetch kinds. Callers hold s.mu.
func (s *Synchronizer) accept(page model.Page) {
	s.hasMore = len(page.Tickets) >= s.pageSize
	n := page.Count
	s.total = &n
	s.counts = page.StatusCounts
	s.err = nil
}

// SetFilters replaces all filters, search included, and reloads.
func (s *Synchronizer) SetFilters(ctx context.Context, f model.Filters) error {
	s.mu.Lock()
	s.stopTimerLocked()
	s.filters = f
	s.mu.Unlock()
	return s.FetchFirstPage(ctx)
}

// SetKind switches between ticket kinds. Filters do not carry over.
func (s *Synchronizer) SetKind(ctx context.Context, kind model.TicketKind) error {
	s.mu.Lock()
	if kind == s.kind {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.kind = kind
	s.filters = model.Filters{}
	s.mu.Unlock()
	return s.FetchFirstPage(ctx)
}

// SetSearch records search text and reloads once no further text has arrived
// for the debounce delay. An in-flight load-more is discarded right away. The
// fetch runs on a timer goroutine; its outcome is visible through State.
func (s *Synchronizer) SetSearch(ctx context.Context, text string) {
	s.mu.Lock()
	s.stopTimerLocked()
	s.typing++
	seq := s.typing
	s.pending = true
	if s.more {
		s.gen++
		s.more = false
	}
	s.timer = time.AfterFunc(s.debounce, func() { s.applySearch(ctx, seq, text) })
	s.unlockAndNotify()
}

func (s *Synchronizer) applySearch(ctx context.Context, seq uint64, text string) {
	s.mu.Lock()
	if seq != s.typing {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.pending = false
	s.filters.Search = text
	s.mu.Unlock()
	_ = s.FetchFirstPage(ctx)
}

// stopTimerLocked cancels a pending search. Callers hold s.mu.
func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.typing++
	s.pending = false
}

// ApplyServerTicket replaces the listed ticket with the same id by t, which
// is what the server returned after an update. It reports whether t was listed.
func (s *Synchronizer) ApplyServerTicket(t model.Ticket) bool {
	s.mu.Lock()
	for i := range s.items {
		if s.items[i].ID == t.ID {
			s.items[i] = t
			s.unlockAndNotify()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Close cancels a pending debounced search.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()
}
