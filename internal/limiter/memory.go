package limiter

import (
	"context"
	"sync"
	"time"
)

// Defaults used by the client for its own login form.
const (
	DefaultWindow   = 15 * time.Minute
	DefaultMaxFails = 5
	DefaultBlockFor = time.Minute
)

type entry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process Limiter.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs a limiter that blocks a key for blockFor once maxFails
// failures land within window of each other.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	if maxFails < 1 {
		maxFails = 1
	}
	return &Memory{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
		entries:  map[string]*entry{},
	}
}

// WithClock replaces the time source; for tests.
func (l *Memory) WithClock(now func() time.Time) *Memory {
	l.now = now
	return l
}

// Allow reports whether key may attempt a login and, if not, for how long it is blocked.
func (l *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return true, 0, nil
	}
	now := l.now()
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	if l.stale(e, now) {
		delete(l.entries, key)
	}
	return true, 0, nil
}

// stale reports whether e is neither blocked nor counting toward a block.
func (l *Memory) stale(e *entry, now time.Time) bool {
	return !e.blockedUntil.After(now) && now.Sub(e.updatedAt) > l.window
}

// pruneLocked drops every stale entry. Callers hold l.mu.
func (l *Memory) pruneLocked(now time.Time) {
	for k, e := range l.entries {
		if l.stale(e, now) {
			delete(l.entries, k)
		}
	}
}

// Success forgets key.
func (l *Memory) Success(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

// Failure counts a failed attempt. A gap longer than window restarts the count.
func (l *Memory) Failure(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	e, ok := l.entries[key]
	switch {
	case !ok:
		e = &entry{}
		l.entries[key] = e
		e.fails = 1
	case now.Sub(e.updatedAt) > l.window:
		e.fails = 1
	default:
		e.fails++
	}
	e.updatedAt = now
	if e.fails >= l.maxFails {
		e.blockedUntil = now.Add(l.blockFor)
		e.fails = 0
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
