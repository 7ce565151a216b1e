// Package connwatch tracks the health of the bridge's two external
// dependencies: the NINA Advanced API and the MQTT broker.
//
// This is distinct from the dispatch retry policy, which handles a
// single failed upstream call. connwatch handles multi-second to
// multi-minute outages such as NINA being closed or the broker
// restarting, and feeds the status server's /health endpoint.
//
// A Watcher retries its probe on a doubling schedule at startup and then
// settles into fixed-interval polling, calling OnReady and OnDown and
// emitting bus events on every reachability change.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nugget/nina-bridge/internal/events"
)

// ProbeFunc returns nil when the service answers.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retry and background polling. The
// startup phase waits InitialDelay, then grows by Multiplier up to
// MaxDelay, for at most MaxRetries probes. After that the watcher
// probes every PollInterval. Each probe is bounded by ProbeTimeout.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup attempts and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// startup builds the deterministic startup schedule.
func (b BackoffConfig) startup(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.InitialDelay
	eb.MaxInterval = b.MaxDelay
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.MaxRetries-1)), ctx)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status output ("nina", "mqtt").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called when the service transitions to ready. Called
	// in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when the service transitions from ready to
	// not-ready. Called in a separate goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service, serialized by the
// status server.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	bus    *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	since     time.Time
	failures  int
}

// IsReady reports the result of the latest transition.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError is the error from the latest probe.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Since:     w.since,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("service", w.config.Name)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return w.check(ctx)
	}, cfg.startup(ctx), func(err error, next time.Duration) {
		logger.Debug("startup probe failed, retrying",
			"attempt", attempts,
			"max_retries", cfg.MaxRetries,
			"next_delay", next.String(),
			"error", err,
		)
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		logger.Info("service connected", "after_attempts", attempts)
	} else {
		logger.Info("startup connection failed, entering background polling",
			"attempts", attempts,
			"error", err,
		)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && !w.ready.Load() {
				logger.Debug("service still unreachable", "error", err)
			}
		}
	}
}

// check probes once, records the result and fires transition hooks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	err := w.config.Probe(probeCtx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = now
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()

	wasReady := w.ready.Load()
	switch {
	case err == nil && !wasReady:
		w.transition(true, now)
		w.config.Logger.Info("service ready", "service", w.config.Name)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceReady, map[string]any{"service": w.config.Name})
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		w.transition(false, now)
		w.config.Logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.config.Name,
			"error":   err.Error(),
		})
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
	return err
}

func (w *Watcher) transition(ready bool, at time.Time) {
	w.ready.Store(ready)
	w.mu.Lock()
	w.since = at
	w.mu.Unlock()
}

// Manager coordinates the service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	bus      *events.Bus
}

// NewManager creates a connection watch manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
		bus:      bus,
	}
}

// Watch registers and starts a new service watcher. The watcher runs in
// a background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of all watched services, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop stops every registered watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
