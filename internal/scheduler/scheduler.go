// Package scheduler fires a poll for each enabled device class on its
// own interval. Each class owns one timer; a tick either enqueues a
// [dispatch.PollTask] or, while the backpressure gate is closed, is
// skipped outright. Skipped ticks are never replayed.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/nina-bridge/internal/config"
	"github.com/nugget/nina-bridge/internal/device"
	"github.com/nugget/nina-bridge/internal/dispatch"
	"github.com/nugget/nina-bridge/internal/events"
)

// Enqueuer accepts poll tasks. Implemented by [dispatch.Queue].
type Enqueuer interface {
	EnqueuePoll(t *dispatch.PollTask) error
}

// PauseGate reports whether poll scheduling is suspended. Implemented
// by [backpressure.Monitor].
type PauseGate interface {
	Paused() bool
}

// Scheduler manages one repeating timer per device class.
type Scheduler struct {
	logger *slog.Logger
	queue  Enqueuer
	gate   PauseGate
	bus    *events.Bus
	now    func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // class -> timer
	next    map[string]time.Time
	running bool
	gen     uint64 // bumped on Start so stale timer callbacks bail out
	stopCtx func() bool

	fired   map[string]uint64
	skipped map[string]uint64
	failed  uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEvents publishes skipped ticks to bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithClock overrides the time source used to stamp tasks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a stopped scheduler. A nil gate never pauses.
func New(logger *slog.Logger, queue Enqueuer, gate PauseGate, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:  logger,
		queue:   queue,
		gate:    gate,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		next:    make(map[string]time.Time),
		fired:   make(map[string]uint64),
		skipped: make(map[string]uint64),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start arms a timer for every enabled class. The first tick of each
// class fires immediately. The scheduler stops on its own when ctx is
// done. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context, classes []device.Class) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gen++
	gen := s.gen

	armed := 0
	for _, c := range classes {
		if !c.Enabled {
			continue
		}
		if c.RefreshEvery <= 0 {
			c.RefreshEvery = device.DefaultRefresh
		}
		s.armLocked(gen, c, 0)
		armed++
	}
	s.stopCtx = context.AfterFunc(ctx, s.Stop)
	s.mu.Unlock()

	s.logger.Info("poll scheduler started", "classes", armed)
}

// Stop cancels every timer. Once Stop returns no further poll task is
// enqueued. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for class, timer := range s.timers {
		timer.Stop()
		delete(s.timers, class)
		delete(s.next, class)
	}
	if s.stopCtx != nil {
		s.stopCtx()
		s.stopCtx = nil
	}
	s.mu.Unlock()

	s.logger.Info("poll scheduler stopped")
}

func (s *Scheduler) armLocked(gen uint64, c device.Class, delay time.Duration) {
	s.next[c.Name] = s.now().Add(delay)
	s.timers[c.Name] = time.AfterFunc(delay, func() {
		s.fire(gen, c)
	})
}

// fire runs one tick. The lock is held across the enqueue so Stop
// cannot return while a tick is mid-flight.
func (s *Scheduler) fire(gen uint64, c device.Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != gen {
		return
	}

	now := s.now()
	log := s.logger.With("device", c.Name)

	switch {
	case s.gate != nil && s.gate.Paused():
		s.skipped[c.Name]++
		log.Info("poll tick skipped, scheduling paused")
		s.bus.Emit(events.SourceScheduler, events.KindTickSkipped, map[string]any{
			"device": c.Name,
		})

	default:
		err := s.queue.EnqueuePoll(&dispatch.PollTask{Class: c.Name, ScheduledAt: now})
		if errors.Is(err, dispatch.ErrQueueClosed) {
			log.Debug("dispatch queue closed, poll timer not rearmed")
			delete(s.timers, c.Name)
			delete(s.next, c.Name)
			return
		}
		if err != nil {
			s.failed++
			log.Warn("failed to enqueue poll", "error", err)
		} else {
			s.fired[c.Name]++
			log.Log(context.Background(), config.LevelTrace, "poll enqueued")
		}
	}

	s.armLocked(gen, c, c.RefreshEvery)
}

// ClassStats is the per-class view in [Stats].
type ClassStats struct {
	Device   string    `json:"device"`
	NextFire time.Time `json:"next_fire"`
	Fired    uint64    `json:"fired"`
	Skipped  uint64    `json:"skipped"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running      bool         `json:"running"`
	ActiveTimers int          `json:"active_timers"`
	Fired        uint64       `json:"fired"`
	Skipped      uint64       `json:"skipped"`
	Failed       uint64       `json:"enqueue_failed"`
	Classes      []ClassStats `json:"classes"`
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Running:      s.running,
		ActiveTimers: len(s.timers),
		Failed:       s.failed,
	}
	names := make(map[string]struct{}, len(s.next)+len(s.fired))
	for n := range s.next {
		names[n] = struct{}{}
	}
	for n := range s.fired {
		names[n] = struct{}{}
	}
	for n := range s.skipped {
		names[n] = struct{}{}
	}
	for n := range names {
		st.Fired += s.fired[n]
		st.Skipped += s.skipped[n]
		st.Classes = append(st.Classes, ClassStats{
			Device:   n,
			NextFire: s.next[n],
			Fired:    s.fired[n],
			Skipped:  s.skipped[n],
		})
	}
	sort.Slice(st.Classes, func(i, j int) bool { return st.Classes[i].Device < st.Classes[j].Device })
	return st
}
