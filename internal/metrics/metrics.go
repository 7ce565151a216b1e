// Package metrics exports bridge activity as Prometheus metrics. The
// Collector is wired in as a dispatch observer, a command response sink
// and the backpressure change hook; point-in-time component stats are
// exposed through gauge funcs registered at startup.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/nina-bridge/internal/command"
	"github.com/nugget/nina-bridge/internal/dispatch"
)

const namespace = "ninabridge"

// Collector owns a private registry so tests and multiple instances do
// not collide on the global default registry.
type Collector struct {
	registry *prometheus.Registry

	tasks       *prometheus.CounterVec
	attempts    *prometheus.HistogramVec
	duration    *prometheus.HistogramVec
	responses   *prometheus.CounterVec
	commandTime prometheus.Histogram
	paused      prometheus.Gauge
	transitions *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process metrics already
// registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Dispatched tasks by kind, device and outcome.",
		}, []string{"kind", "device", "outcome"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempts",
			Help:      "Upstream attempts spent per finished task.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from claim to completion for successful tasks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_responses_total",
			Help:      "Command responses by status.",
		}, []string{"status"}),
		commandTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_response_seconds",
			Help:      "Time from command receipt to response.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polling_paused",
			Help:      "1 while poll scheduling is paused by backpressure.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_transitions_total",
			Help:      "Backpressure pause and resume transitions.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasks, c.attempts, c.duration,
		c.responses, c.commandTime,
		c.paused, c.transitions,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter whose value is read from fn at scrape
// time. fn must be monotonic.
func (c *Collector) CounterFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// TaskDone implements dispatch.Observer.
func (c *Collector) TaskDone(_ context.Context, t dispatch.Task, attempts int, elapsed time.Duration) {
	c.tasks.WithLabelValues(t.Kind(), t.Device(), "done").Inc()
	c.attempts.WithLabelValues(t.Kind()).Observe(float64(attempts))
	c.duration.WithLabelValues(t.Kind()).Observe(elapsed.Seconds())
}

// TaskFailed implements dispatch.Observer.
func (c *Collector) TaskFailed(_ context.Context, t dispatch.Task, attempts int, _ error) {
	c.tasks.WithLabelValues(t.Kind(), t.Device(), "failed").Inc()
	c.attempts.WithLabelValues(t.Kind()).Observe(float64(attempts))
}

// HandleResponse implements command.ResponseSink.
func (c *Collector) HandleResponse(_ context.Context, r command.Response) {
	c.responses.WithLabelValues(string(r.Status)).Inc()
	if !r.FinishedAt.IsZero() && !r.ReceivedAt.IsZero() {
		c.commandTime.Observe(r.Elapsed().Seconds())
	}
}

// SetPaused records a backpressure transition. Suitable for
// backpressure.WithOnChange.
func (c *Collector) SetPaused(paused bool) {
	if paused {
		c.paused.Set(1)
		c.transitions.WithLabelValues("paused").Inc()
		return
	}
	c.paused.Set(0)
	c.transitions.WithLabelValues("resumed").Inc()
}
