// Package ratelimit caps the rate of calls to the NINA Advanced API.
//
// The limiter keeps a log of grant timestamps and admits a request only
// when the grants inside the trailing window, plus the request, stay at
// or below the budget. A full budget is available at start, so a burst
// up to the limit goes through at once; after that, slots free up
// exactly one window after each earlier grant. Waiters are served
// strictly in arrival order.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the rolling window the budget applies to.
const DefaultWindow = time.Minute

// DefaultMaxPerWindow is the default budget per window.
const DefaultMaxPerWindow = 120

// Limiter grants call slots under a rolling-window budget.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	grants  []time.Time // ascending; only entries inside the window
	waiters []*waiter   // FIFO
	timer   *time.Timer
	total   uint64
}

type waiter struct {
	n     int
	ready chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing at most max grants in any rolling
// window. Non-positive arguments fall back to the defaults.
func New(max int, window time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		max = DefaultMaxPerWindow
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire blocks until one call slot is granted or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireN(ctx, 1)
}

// ErrOverBudget is returned by AcquireN when n can never fit the budget.
var ErrOverBudget = errors.New("ratelimit: request exceeds budget")

// AcquireN blocks until n slots are granted together or ctx is done. The
// only error it returns is ctx.Err(), or [ErrOverBudget] for n outside
// [1, max]. Callers size the budget so that never happens.
func (l *Limiter) AcquireN(ctx context.Context, n int) error {
	if n < 1 || n > l.max {
		return fmt.Errorf("%w: %d slots with budget %d", ErrOverBudget, n, l.max)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if len(l.waiters) == 0 && l.tryGrantLocked(n) {
		l.mu.Unlock()
		return nil
	}
	w := &waiter{n: n, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.dispatchLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation; the slot is spent
			// and the caller is free to use it.
			return nil
		default:
		}
		l.removeLocked(w)
		// The head may have changed; let the next waiter try.
		l.dispatchLocked()
		return ctx.Err()
	}
}

// tryGrantLocked records n grants if the budget allows it.
func (l *Limiter) tryGrantLocked(n int) bool {
	now := l.now()
	l.pruneLocked(now)
	if len(l.grants)+n > l.max {
		return false
	}
	for i := 0; i < n; i++ {
		l.grants = append(l.grants, now)
	}
	l.total += uint64(n)
	return true
}

// pruneLocked drops grants that have left the window ending at now.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// dispatchLocked grants queued waiters in order until the head no
// longer fits, then arms a timer for when it will.
func (l *Limiter) dispatchLocked() {
	for len(l.waiters) > 0 {
		head := l.waiters[0]
		if !l.tryGrantLocked(head.n) {
			break
		}
		l.waiters = l.waiters[1:]
		close(head.ready)
	}

	if len(l.waiters) == 0 {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		return
	}

	// The head needs (len(grants)+n-max) of the oldest grants to expire.
	head := l.waiters[0]
	idx := len(l.grants) + head.n - l.max - 1
	if idx < 0 {
		idx = 0
	}
	wait := l.grants[idx].Add(l.window).Sub(l.now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(wait, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.dispatchLocked()
	})
}

func (l *Limiter) removeLocked(w *waiter) {
	for i, x := range l.waiters {
		if x == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Max          int           `json:"max"`
	Window       time.Duration `json:"window"`
	InWindow     int           `json:"in_window"`
	Waiting      int           `json:"waiting"`
	TotalGranted uint64        `json:"total_granted"`
}

// Stats reports current usage.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return Stats{
		Max:          l.max,
		Window:       l.window,
		InWindow:     len(l.grants),
		Waiting:      len(l.waiters),
		TotalGranted: l.total,
	}
}
