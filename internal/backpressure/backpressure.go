// Package backpressure watches dispatch queue depth and pauses poll
// scheduling when the queue keeps growing.
//
// Depth is sampled on a fixed cadence into fixed-size buckets (one
// minute by default). When a bucket closes its average is recorded; the
// last three averages are kept. Three strictly increasing averages set
// the pause flag. While paused, sampling continues, and the first
// closed average lower than the one before it clears the flag. Queued
// tasks are never touched, and only poll scheduling consults the flag.
package backpressure

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/nina-bridge/internal/events"
)

// Defaults for sampling.
const (
	DefaultSampleInterval = time.Second
	DefaultBucketSize     = time.Minute
)

// window is the number of closed bucket averages retained.
const window = 3

// DepthFunc reports the current queue depth.
type DepthFunc func() int

// Monitor tracks queue depth history and owns the pause flag.
type Monitor struct {
	depth          DepthFunc
	logger         *slog.Logger
	bus            *events.Bus
	sampleInterval time.Duration
	bucketSize     time.Duration
	onChange       func(paused bool)

	paused atomic.Bool

	mu          sync.Mutex
	bucketStart time.Time
	sum         float64
	samples     int
	averages    []float64 // oldest first, at most window entries
	pauses      uint64
	resumes     uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampleInterval sets how often Run samples depth.
func WithSampleInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.sampleInterval = d
		}
	}
}

// WithBucketSize sets the averaging period.
func WithBucketSize(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.bucketSize = d
		}
	}
}

// WithEvents publishes pause and resume transitions to bus.
func WithEvents(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithOnChange registers a callback invoked on every pause transition.
// It runs with the monitor's lock held and must not call back into it.
func WithOnChange(fn func(paused bool)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// New creates a monitor reading depth from fn.
func New(fn DepthFunc, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		depth:          fn,
		logger:         logger,
		sampleInterval: DefaultSampleInterval,
		bucketSize:     DefaultBucketSize,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run samples depth until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("backpressure monitor started",
		"sample_interval", m.sampleInterval,
		"bucket_size", m.bucketSize,
	)
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("backpressure monitor stopped")
			return
		case now := <-ticker.C:
			m.Observe(now, m.depth())
		}
	}
}

// Observe records one depth sample taken at now. Samples must arrive in
// time order. A sample at or past the end of the current bucket first
// closes it (and any empty buckets after it) before being counted in
// the bucket that contains it.
func (m *Monitor) Observe(now time.Time, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucketStart.IsZero() {
		m.bucketStart = now
	}

	if elapsed := now.Sub(m.bucketStart); elapsed >= m.bucketSize {
		if m.samples > 0 {
			m.closeBucketLocked(m.sum / float64(m.samples))
		}
		// Buckets with no samples are skipped rather than averaged as zero.
		m.bucketStart = m.bucketStart.Add(elapsed.Truncate(m.bucketSize))
		m.sum = 0
		m.samples = 0
	}

	m.sum += float64(depth)
	m.samples++
}

func (m *Monitor) closeBucketLocked(avg float64) {
	var prev float64
	hasPrev := len(m.averages) > 0
	if hasPrev {
		prev = m.averages[len(m.averages)-1]
	}

	m.averages = append(m.averages, avg)
	if len(m.averages) > window {
		m.averages = append(m.averages[:0], m.averages[len(m.averages)-window:]...)
	}

	m.logger.Debug("queue depth bucket closed", "average", avg, "averages", m.averages)

	switch {
	case !m.paused.Load() && m.risingLocked():
		m.paused.Store(true)
		m.pauses++
		averages := m.snapshotLocked()
		m.logger.Error("dispatch queue depth rising for three periods, pausing poll scheduling",
			"averages", averages,
		)
		m.bus.Emit(events.SourceBackpressure, events.KindPaused, map[string]any{"averages": averages})
		if m.onChange != nil {
			m.onChange(true)
		}

	case m.paused.Load() && hasPrev && avg < prev:
		m.paused.Store(false)
		m.resumes++
		averages := m.snapshotLocked()
		m.logger.Info("dispatch queue depth falling, resuming poll scheduling",
			"averages", averages,
		)
		m.bus.Emit(events.SourceBackpressure, events.KindResumed, map[string]any{"averages": averages})
		if m.onChange != nil {
			m.onChange(false)
		}
	}
}

// risingLocked reports whether the window is full and strictly
// increasing.
func (m *Monitor) risingLocked() bool {
	if len(m.averages) < window {
		return false
	}
	for i := 1; i < len(m.averages); i++ {
		if m.averages[i] <= m.averages[i-1] {
			return false
		}
	}
	return true
}

func (m *Monitor) snapshotLocked() []float64 {
	out := make([]float64, len(m.averages))
	copy(out, m.averages)
	return out
}

// Paused reports whether poll scheduling should skip ticks.
func (m *Monitor) Paused() bool {
	return m.paused.Load()
}

// Averages returns the retained closed-bucket averages, oldest first.
func (m *Monitor) Averages() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	Paused         bool      `json:"paused"`
	Averages       []float64 `json:"averages"`
	CurrentSamples int       `json:"current_samples"`
	Pauses         uint64    `json:"pauses"`
	Resumes        uint64    `json:"resumes"`
}

// Stats reports the monitor's state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Paused:         m.paused.Load(),
		Averages:       m.snapshotLocked(),
		CurrentSamples: m.samples,
		Pauses:         m.pauses,
		Resumes:        m.resumes,
	}
}
