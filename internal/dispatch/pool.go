package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nugget/nina-bridge/internal/events"
	"github.com/nugget/nina-bridge/internal/nina"
)

// Defaults for the worker pool.
const (
	DefaultWorkers       = 2
	DefaultRetryAttempts = 3
	DefaultRetryInitial  = time.Second
	DefaultRetryMax      = 30 * time.Second
	DefaultShutdownGrace = 15 * time.Second
)

// settleWait bounds how long Stop waits for workers to unwind after
// cancelling abandoned calls.
const settleWait = time.Second

// Limiter gates every upstream call. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	AcquireN(ctx context.Context, n int) error
}

// Executor performs the upstream calls. Satisfied by *nina.Client.
type Executor interface {
	Fetch(ctx context.Context, class string) (nina.Result, error)
	Execute(ctx context.Context, class string, cmd nina.Command) (json.RawMessage, error)
	Cost(class string) int
}

// Publisher forwards poll results downstream. Satisfied by
// *mqtt.Publisher.
type Publisher interface {
	PublishResult(ctx context.Context, res nina.Result) error
}

// Observer is notified when a task finishes. Implementations must be
// safe for concurrent use and must not block for long.
type Observer interface {
	TaskDone(ctx context.Context, task Task, attempts int, elapsed time.Duration)
	TaskFailed(ctx context.Context, task Task, attempts int, err error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRetry sets the attempt limit and backoff bounds. attempts counts
// the first try.
func WithRetry(attempts int, initial, max time.Duration) Option {
	return func(p *Pool) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if initial > 0 {
			p.retryInitial = initial
		}
		if max > 0 {
			p.retryMax = max
		}
	}
}

// WithShutdownGrace bounds how long Stop waits for in-flight tasks.
func WithShutdownGrace(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithEvents publishes task lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithObservers registers task completion observers.
func WithObservers(obs ...Observer) Option {
	return func(p *Pool) { p.observers = append(p.observers, obs...) }
}

// Pool runs workers that claim tasks from a Queue.
type Pool struct {
	queue     *Queue
	limiter   Limiter
	exec      Executor
	pub       Publisher
	logger    *slog.Logger
	bus       *events.Bus
	observers []Observer

	workers      int
	attempts     int
	retryInitial time.Duration
	retryMax     time.Duration
	grace        time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight map[int]Task

	// sealed is set once Stop gives up on in-flight tasks. Completion
	// reports hold reportMu for reading, so none runs after Stop returns.
	reportMu sync.RWMutex
	sealed   bool

	completed atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	skipped   atomic.Uint64
}

// NewPool creates a pool. Call Start to launch workers.
func NewPool(queue *Queue, limiter Limiter, exec Executor, pub Publisher, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:        queue,
		limiter:      limiter,
		exec:         exec,
		pub:          pub,
		logger:       logger,
		workers:      DefaultWorkers,
		attempts:     DefaultRetryAttempts,
		retryInitial: DefaultRetryInitial,
		retryMax:     DefaultRetryMax,
		grace:        DefaultShutdownGrace,
		inflight:     make(map[int]Task),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. Worker contexts are detached from ctx's
// cancellation so that in-flight calls can finish during Stop; values
// are preserved.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("dispatch pool started", "workers", p.workers, "retry_attempts", p.attempts)
}

// Stop closes the queue, waits up to the shutdown grace period (or
// until ctx is done) for in-flight tasks, and logs whatever was
// abandoned. It returns an error if tasks were abandoned in flight.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	for _, t := range p.queue.Close() {
		p.abandon(t, "queued")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("dispatch pool stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Tasks still tracked once sealed never report on their own.
	p.reportMu.Lock()
	p.sealed = true
	p.reportMu.Unlock()

	p.mu.Lock()
	stuck := make([]Task, 0, len(p.inflight))
	for _, t := range p.inflight {
		stuck = append(stuck, t)
	}
	p.mu.Unlock()

	for _, t := range stuck {
		p.abandon(t, "in_flight")
	}
	p.cancel()

	settle := time.NewTimer(settleWait)
	defer settle.Stop()
	select {
	case <-done:
	case <-settle.C:
		p.logger.Warn("dispatch workers still running after cancel", "wait", settleWait)
	}
	return fmt.Errorf("dispatch pool: %d tasks abandoned after %v grace", len(stuck), p.grace)
}

// report runs fn unless Stop has sealed the pool, and untracks t either
// way so Stop never abandons a task that already reported.
func (p *Pool) report(log *slog.Logger, t Task, fn func()) {
	p.reportMu.RLock()
	defer p.reportMu.RUnlock()
	if p.sealed {
		log.Debug("result after shutdown dropped", "device", t.Device(), "task", t.Kind())
		return
	}
	p.untrack(t)
	fn()
}

func (p *Pool) untrack(t Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, x := range p.inflight {
		if x == t {
			delete(p.inflight, id)
			return
		}
	}
}

func (p *Pool) abandon(t Task, state string) {
	p.logger.Warn("task abandoned at shutdown",
		"device", t.Device(),
		"task", t.Kind(),
		"state", state,
	)
	p.bus.Emit(events.SourceDispatch, events.KindTaskAbandoned, map[string]any{
		"device": t.Device(),
		"task":   t.Kind(),
		"state":  state,
	})
	if ct, ok := t.(*CommandTask); ok {
		ct.slot.Resolve(Outcome{Err: ErrAbandoned, Attempts: ct.Attempts})
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.logger.With("worker", id)

	for {
		task, err := p.queue.Claim(p.ctx)
		if err != nil {
			log.Debug("worker exiting", "reason", err)
			return
		}

		p.mu.Lock()
		p.inflight[id] = task
		p.mu.Unlock()

		switch t := task.(type) {
		case *PollTask:
			p.runPoll(log, t)
		case *CommandTask:
			p.runCommand(log, t)
		}

		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
	}
}

func (p *Pool) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.retryInitial
	eb.MaxInterval = p.retryMax
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.attempts-1)), p.ctx)
}

// attempt runs call under the retry policy. Each try first acquires
// cost limiter slots. Transient errors are retried; anything else is
// returned immediately.
func (p *Pool) attempt(log *slog.Logger, task Task, cost int, attempts *int, abort func() bool, call func() error) error {
	op := func() error {
		if abort != nil && abort() {
			return backoff.Permanent(ErrDiscarded)
		}
		if err := p.limiter.AcquireN(p.ctx, cost); err != nil {
			return backoff.Permanent(err)
		}
		*attempts++
		err := call()
		if err == nil {
			return nil
		}
		if nina.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, delay time.Duration) {
		p.retries.Add(1)
		log.Warn("transient upstream error, retrying",
			"device", task.Device(),
			"task", task.Kind(),
			"attempt", *attempts,
			"delay", delay,
			"error", err,
		)
		p.bus.Emit(events.SourceDispatch, events.KindTaskRetry, map[string]any{
			"device":   task.Device(),
			"task":     task.Kind(),
			"attempt":  *attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
	}

	return backoff.RetryNotify(op, p.newBackOff(), notify)
}

func (p *Pool) runPoll(log *slog.Logger, t *PollTask) {
	start := time.Now()
	var res nina.Result

	err := p.attempt(log, t, p.exec.Cost(t.Class), &t.Attempts, nil, func() error {
		var err error
		res, err = p.exec.Fetch(p.ctx, t.Class)
		return err
	})
	if err != nil {
		p.fail(log, t, t.Attempts, err)
		return
	}

	p.report(log, t, func() {
		if err := p.pub.PublishResult(p.ctx, res); err != nil {
			log.Warn("publish failed", "device", t.Class, "error", err)
		}
		p.reportDone(log, t, t.Attempts, time.Since(start))
	})
}

func (p *Pool) runCommand(log *slog.Logger, t *CommandTask) {
	if t.slot.Discarded() {
		p.skipped.Add(1)
		log.Debug("skipping discarded command", "device", t.Class, "id", t.ID)
		return
	}

	start := time.Now()
	var result json.RawMessage

	err := p.attempt(log, t, 1, &t.Attempts, t.slot.Discarded, func() error {
		var err error
		result, err = p.exec.Execute(p.ctx, t.Class, t.Command)
		return err
	})

	if errors.Is(err, ErrDiscarded) {
		p.skipped.Add(1)
		log.Debug("command discarded before retry", "device", t.Class, "id", t.ID)
		return
	}

	if !t.slot.Resolve(Outcome{Result: result, Err: err, Attempts: t.Attempts}) {
		log.Info("late command result discarded",
			"device", t.Class,
			"id", t.ID,
			"action", t.Command.Action,
		)
	}

	if err != nil {
		p.fail(log, t, t.Attempts, err)
		return
	}
	p.done(log, t, t.Attempts, time.Since(start))
}

func (p *Pool) done(log *slog.Logger, t Task, attempts int, elapsed time.Duration) {
	p.report(log, t, func() { p.reportDone(log, t, attempts, elapsed) })
}

func (p *Pool) reportDone(log *slog.Logger, t Task, attempts int, elapsed time.Duration) {
	p.completed.Add(1)
	log.Debug("task complete",
		"device", t.Device(),
		"task", t.Kind(),
		"attempts", attempts,
		"elapsed", elapsed,
	)
	p.bus.Emit(events.SourceDispatch, events.KindTaskDone, map[string]any{
		"device":      t.Device(),
		"task":        t.Kind(),
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
	})
	for _, o := range p.observers {
		o.TaskDone(p.ctx, t, attempts, elapsed)
	}
}

func (p *Pool) fail(log *slog.Logger, t Task, attempts int, err error) {
	p.report(log, t, func() { p.reportFail(log, t, attempts, err) })
}

func (p *Pool) reportFail(log *slog.Logger, t Task, attempts int, err error) {
	p.failed.Add(1)
	exhausted := nina.IsTransient(err) && attempts >= p.attempts
	if exhausted {
		log.Error("task failed, retries exhausted",
			"device", t.Device(),
			"task", t.Kind(),
			"attempts", attempts,
			"error", err,
		)
	} else {
		log.Warn("task failed",
			"device", t.Device(),
			"task", t.Kind(),
			"attempts", attempts,
			"error", err,
		)
	}
	p.bus.Emit(events.SourceDispatch, events.KindTaskFailed, map[string]any{
		"device":    t.Device(),
		"task":      t.Kind(),
		"attempts":  attempts,
		"error":     err.Error(),
		"exhausted": exhausted,
	})
	for _, o := range p.observers {
		o.TaskFailed(p.ctx, t, attempts, err)
	}
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers   int               `json:"workers"`
	Running   bool              `json:"running"`
	InFlight  map[string]string `json:"in_flight"` // worker -> device
	Completed uint64            `json:"completed"`
	Failed    uint64            `json:"failed"`
	Retries   uint64            `json:"retries"`
	Skipped   uint64            `json:"skipped"`
}

// Stats reports worker activity and lifetime counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	inflight := make(map[string]string, len(p.inflight))
	for id, t := range p.inflight {
		inflight[fmt.Sprintf("%d", id)] = t.Kind() + ":" + t.Device()
	}
	running := p.running
	p.mu.Unlock()

	return PoolStats{
		Workers:   p.workers,
		Running:   running,
		InFlight:  inflight,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retries:   p.retries.Load(),
		Skipped:   p.skipped.Load(),
	}
}
