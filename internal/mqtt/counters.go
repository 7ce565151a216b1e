package mqtt

import (
	"sync"
	"time"
)

// DailyCounters tracks bridge activity that resets at local midnight:
// upstream call attempts, tasks given up on, and commands answered. It
// is safe for concurrent use.
type DailyCounters struct {
	mu       sync.Mutex
	calls    int64
	failures int64
	commands int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounters creates a new accumulator using the given timezone
// for midnight detection. If loc is nil, [time.Local] is used.
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounters{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// AddCalls records upstream call attempts.
func (d *DailyCounters) AddCalls(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.calls += int64(n)
}

// AddFailure records one task that exhausted its attempts or failed
// permanently.
func (d *DailyCounters) AddFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.failures++
}

// AddCommand records one answered command.
func (d *DailyCounters) AddCommand() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.commands++
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCounters) Snapshot() (calls, failures, commands int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.calls, d.failures, d.commands
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyCounters) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.calls = 0
		d.failures = 0
		d.commands = 0
		d.resetDay = today
	}
}
