package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/nina-bridge/internal/backpressure"
	"github.com/nugget/nina-bridge/internal/buildinfo"
	"github.com/nugget/nina-bridge/internal/command"
	"github.com/nugget/nina-bridge/internal/config"
	"github.com/nugget/nina-bridge/internal/connwatch"
	"github.com/nugget/nina-bridge/internal/device"
	"github.com/nugget/nina-bridge/internal/dispatch"
	"github.com/nugget/nina-bridge/internal/events"
	"github.com/nugget/nina-bridge/internal/journal"
	"github.com/nugget/nina-bridge/internal/metrics"
	"github.com/nugget/nina-bridge/internal/mqtt"
	"github.com/nugget/nina-bridge/internal/nina"
	"github.com/nugget/nina-bridge/internal/ratelimit"
	"github.com/nugget/nina-bridge/internal/scheduler"
	"github.com/nugget/nina-bridge/internal/status"
)

// brokerStopTimeout bounds the availability OFF burst and disconnect.
const brokerStopTimeout = 5 * time.Second

func newServeCmd(stdout io.Writer) *cobra.Command {
	var configPath string
	var verbosity int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Long: `Run the bridge until interrupted (Ctrl+C) or sent SIGTERM.

On shutdown, polling stops first, in-flight upstream calls get the
configured grace period, every device availability is set OFF on the
broker and the journal is closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stdout, configPath, verbosity)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: auto-discover)")
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug, -vvv trace)")
	return cmd
}

func runServe(ctx context.Context, stdout io.Writer, configPath string, verbosity int) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := logLevel(cfg, verbosity)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting nina-bridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBridge(cfg, logger)
	if err != nil {
		return err
	}
	b.start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return b.shutdown()
}

// bridge holds every long-lived component of a running process.
type bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	classes    []device.Class
	bus        *events.Bus
	client     *nina.Client
	limiter    *ratelimit.Limiter
	queue      *dispatch.Queue
	monitor    *backpressure.Monitor
	sched      *scheduler.Scheduler
	pool       *dispatch.Pool
	correlator *command.Correlator
	publisher  *mqtt.Publisher
	store      *journal.Store
	pruner     *journal.Pruner
	watch      *connwatch.Manager
	metrics    *metrics.Collector
	status     *status.Server

	// brokerCancel ends the broker session after the OFF messages are
	// out; it is detached from the signal context for that reason.
	brokerCancel context.CancelFunc
	wg           sync.WaitGroup
}

// statsAdapter feeds the MQTT diagnostic sensors.
type statsAdapter struct {
	queue   *dispatch.Queue
	monitor *backpressure.Monitor
}

func (a statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a statsAdapter) Version() string       { return buildinfo.Version }
func (a statsAdapter) QueueDepth() int       { return a.queue.Depth() }
func (a statsAdapter) Paused() bool          { return a.monitor.Paused() }

// newBridge constructs and wires every component without starting any
// goroutines or touching the network.
func newBridge(cfg *config.Config, logger *slog.Logger) (*bridge, error) {
	classes, err := cfg.Classes()
	if err != nil {
		return nil, err
	}

	b := &bridge{
		cfg:     cfg,
		logger:  logger,
		classes: classes,
		bus:     events.New(),
		metrics: metrics.New(),
	}
	b.watch = connwatch.NewManager(logger.With("component", "connwatch"), b.bus)

	b.client = nina.NewClient(cfg.NINA.APIURI, cfg.NINA.Timeout, cfg.Dispatch.Workers, logger.With("component", "nina"))
	b.limiter = ratelimit.New(cfg.Dispatch.MaxCallsPerMinute, time.Minute)
	b.queue = dispatch.NewQueue()

	b.monitor = backpressure.New(b.queue.Depth, logger.With("component", "backpressure"),
		backpressure.WithSampleInterval(cfg.Backpressure.SampleInterval),
		backpressure.WithBucketSize(cfg.Backpressure.BucketSize),
		backpressure.WithEvents(b.bus),
		backpressure.WithOnChange(b.metrics.SetPaused),
	)

	b.sched = scheduler.New(logger.With("component", "scheduler"), b.queue, b.monitor,
		scheduler.WithEvents(b.bus),
	)

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	b.publisher = mqtt.New(cfg.MQTT, cfg.DeviceInfo, classes, instanceID, logger.With("component", "mqtt"),
		mqtt.WithCounters(mqtt.NewDailyCounters(time.Local)),
		mqtt.WithStats(statsAdapter{queue: b.queue, monitor: b.monitor}),
		mqtt.WithEvents(b.bus),
	)

	observers := []dispatch.Observer{b.publisher, b.metrics}
	sinks := []command.ResponseSink{b.publisher, b.metrics}

	if cfg.Journal.IsEnabled() {
		b.store, err = journal.Open(cfg.Journal.Path, logger.With("component", "journal"))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		b.pruner, err = journal.NewPruner(b.store, cfg.Journal.Retention, cfg.Journal.PruneSchedule,
			logger.With("component", "journal"), b.bus)
		if err != nil {
			b.store.Close()
			return nil, err
		}
		observers = append(observers, b.store)
		sinks = append(sinks, b.store)
	}

	b.pool = dispatch.NewPool(b.queue, b.limiter, b.client, b.publisher, logger.With("component", "dispatch"),
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithRetry(cfg.Dispatch.RetryAttempts, cfg.Dispatch.RetryInitialDelay, cfg.Dispatch.RetryMaxDelay),
		dispatch.WithShutdownGrace(cfg.Dispatch.ShutdownGrace),
		dispatch.WithEvents(b.bus),
		dispatch.WithObservers(observers...),
	)

	b.correlator = command.New(b.queue, logger.With("component", "command"),
		command.WithTimeout(cfg.CommandResponseTimeout()),
		command.WithEvents(b.bus),
		command.WithSinks(sinks...),
	)
	b.publisher.SetSubmitter(b.correlator)

	b.registerMetrics()

	if cfg.Status.IsEnabled() {
		deps := status.Deps{
			Health:     b.watch,
			Submitter:  b.correlator,
			Events:     b.bus,
			Metrics:    b.metrics.Handler(),
			Components: b.components(),
		}
		if b.store != nil {
			deps.Journal = b.store
		}
		b.status = status.New(cfg.Status, deps, logger.With("component", "status"))
	}
	return b, nil
}

// components are the stats snapshots served by GET /v1/status.
func (b *bridge) components() map[string]func() any {
	return map[string]func() any{
		"queue":        func() any { return b.queue.Stats() },
		"limiter":      func() any { return b.limiter.Stats() },
		"scheduler":    func() any { return b.sched.Stats() },
		"backpressure": func() any { return b.monitor.Stats() },
		"pool":         func() any { return b.pool.Stats() },
		"commands":     func() any { return b.correlator.Stats() },
	}
}

func (b *bridge) registerMetrics() {
	m := b.metrics
	m.GaugeFunc("queue_depth", "Tasks waiting in the dispatch queue.", func() float64 {
		return float64(b.queue.Depth())
	})
	m.GaugeFunc("ratelimit_in_window", "Upstream calls granted in the current rolling window.", func() float64 {
		return float64(b.limiter.Stats().InWindow)
	})
	m.GaugeFunc("ratelimit_waiting", "Workers waiting for a rate limit slot.", func() float64 {
		return float64(b.limiter.Stats().Waiting)
	})
	m.CounterFunc("ratelimit_granted_total", "Upstream call slots granted.", func() float64 {
		return float64(b.limiter.Stats().TotalGranted)
	})
	m.CounterFunc("scheduler_ticks_fired_total", "Poll ticks that enqueued a task.", func() float64 {
		return float64(b.sched.Stats().Fired)
	})
	m.CounterFunc("scheduler_ticks_skipped_total", "Poll ticks skipped while paused.", func() float64 {
		return float64(b.sched.Stats().Skipped)
	})
	m.CounterFunc("dispatch_retries_total", "Upstream call retries.", func() float64 {
		return float64(b.pool.Stats().Retries)
	})
	m.GaugeFunc("commands_pending", "Commands waiting for a response.", func() float64 {
		return float64(b.correlator.Stats().Pending)
	})
	m.GaugeFunc("upstream_ready", "1 when NINA and the broker are both reachable.", func() float64 {
		if b.watch.Healthy() {
			return 1
		}
		return 0
	})
	m.CounterFunc("events_published_total", "Operational events published on the bus.", func() float64 {
		published, _ := b.bus.Counts()
		return float64(published)
	})
	m.CounterFunc("events_dropped_total", "Event deliveries dropped for slow subscribers.", func() float64 {
		_, dropped := b.bus.Counts()
		return float64(dropped)
	})
}

// start launches every background component. Order matters: consumers
// come up before producers.
func (b *bridge) start(ctx context.Context) {
	brokerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.brokerCancel = cancel
	b.goRun("mqtt", func() error { return b.publisher.Start(brokerCtx) })

	ninaWatcher := b.watch.Watch(ctx, connwatch.WatcherConfig{
		Name:  "nina",
		Probe: b.client.Ping,
	})
	b.client.SetWatcher(ninaWatcher)
	b.watch.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if b.publisher.Connected() {
				return nil
			}
			return mqtt.ErrNotConnected
		},
	})

	if b.pruner != nil {
		if err := b.pruner.Start(ctx); err != nil {
			b.logger.Error("journal pruner failed to start", "error", err)
		}
	}
	if b.status != nil {
		b.goRun("status", func() error { return b.status.Start(ctx) })
	}

	b.pool.Start(ctx)
	b.goRun("backpressure", func() error {
		b.monitor.Run(ctx)
		return nil
	})
	b.sched.Start(ctx, b.classes)
}

func (b *bridge) goRun(name string, fn func() error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("component exited with error", "component", name, "error", err)
		}
	}()
}

// shutdown stops producers first so nothing new is enqueued, drains the
// pool, tells the broker every device is going away and closes the
// journal last so failures during drain are still recorded.
func (b *bridge) shutdown() error {
	var errs []error

	b.sched.Stop()

	graceCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Dispatch.ShutdownGrace+time.Second)
	defer cancel()
	if err := b.pool.Stop(graceCtx); err != nil {
		errs = append(errs, err)
	}

	brokerCtx, brokerCancel := context.WithTimeout(context.Background(), brokerStopTimeout)
	defer brokerCancel()
	if err := b.publisher.Stop(brokerCtx); err != nil {
		b.logger.Warn("mqtt disconnect failed", "error", err)
	}
	if b.brokerCancel != nil {
		b.brokerCancel()
	}

	b.watch.Stop()
	if b.pruner != nil {
		b.pruner.Stop()
	}
	b.wg.Wait()

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	b.logger.Info("nina-bridge stopped")
	return errors.Join(errs...)
}
