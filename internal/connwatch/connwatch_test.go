package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/nina-bridge/internal/events"
)

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	want := BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
	if cfg != want {
		t.Errorf("DefaultBackoffConfig() = %+v, want %+v", cfg, want)
	}
	if got := (BackoffConfig{MaxRetries: 3}).withDefaults(); got.MaxRetries != 3 || got.InitialDelay != want.InitialDelay {
		t.Errorf("withDefaults() = %+v", got)
	}
}

func TestWatcher_ReadyOnFirstProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ready atomic.Int32
	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name:    "nina",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
		OnReady: func() { ready.Add(1) },
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return ready.Load() == 1 })

	st := w.Status()
	if !st.Ready || st.Name != "nina" || st.LastError != "" || st.Since.IsZero() {
		t.Errorf("Status() = %+v", st)
	}
	if !m.Healthy() {
		t.Error("manager should be healthy")
	}
}

func TestWatcher_RetriesUntilReachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: fastBackoff(),
	})
	defer w.Stop()

	waitFor(t, "ready after retries", w.IsReady)
	if n := calls.Load(); n < 3 {
		t.Errorf("probe called %d times, want at least 3", n)
	}
	if w.LastError() != nil {
		t.Errorf("LastError() = %v after recovery", w.LastError())
	}
}

func TestWatcher_BackgroundAfterStartupExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var up atomic.Bool
	var calls atomic.Int32
	cfg := fastBackoff()
	cfg.MaxRetries = 2

	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "nina",
		Probe: func(context.Context) error {
			calls.Add(1)
			if up.Load() {
				return nil
			}
			return errors.New("nina not running")
		},
		Backoff: cfg,
	})
	defer w.Stop()

	waitFor(t, "startup attempts", func() bool { return calls.Load() >= 2 })
	if w.IsReady() {
		t.Fatal("ready while probe fails")
	}
	if m.Healthy() {
		t.Error("manager healthy with a down service")
	}
	if st := w.Status(); st.LastError != "nina not running" || st.Failures < 2 {
		t.Errorf("Status() = %+v", st)
	}

	up.Store(true)
	waitFor(t, "background recovery", w.IsReady)
}

func TestWatcher_DownTransition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	downErr := make(chan error, 1)
	bus := events.New()
	sub := bus.Subscribe(16)

	m := NewManager(quietLogger(), bus)
	w := m.Watch(ctx, WatcherConfig{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("broker gone")
			}
			return nil
		},
		Backoff: fastBackoff(),
		OnDown: func(err error) {
			select {
			case downErr <- err:
			default:
			}
		},
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	failing.Store(true)

	select {
	case err := <-downErr:
		if err.Error() != "broker gone" {
			t.Errorf("OnDown error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown not called")
	}
	if w.IsReady() {
		t.Error("still ready after failure")
	}

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-sub:
			if e.Source != events.SourceConnwatch {
				t.Errorf("event source = %q", e.Source)
			}
			kinds = append(kinds, e.Kind)
		case <-deadline:
			t.Fatalf("events = %v, want ready then down", kinds)
		}
	}
	if kinds[0] != events.KindServiceReady || kinds[1] != events.KindServiceDown {
		t.Errorf("events = %v", kinds)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := fastBackoff()
	cfg.ProbeTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 1

	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "nina",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: cfg,
	})
	defer w.Stop()

	waitFor(t, "probe timeout recorded", func() bool {
		return errors.Is(w.LastError(), context.DeadlineExceeded)
	})
}

func TestManager_StatusSorted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(quietLogger(), nil)
	for _, name := range []string{"nina", "mqtt"} {
		m.Watch(ctx, WatcherConfig{
			Name:    name,
			Probe:   func(context.Context) error { return nil },
			Backoff: fastBackoff(),
		})
	}
	defer m.Stop()

	waitFor(t, "all ready", m.Healthy)
	st := m.Status()
	if len(st) != 2 || st[0].Name != "mqtt" || st[1].Name != "nina" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestManager_StopWaits(t *testing.T) {
	var running atomic.Bool
	m := NewManager(quietLogger(), nil)
	m.Watch(context.Background(), WatcherConfig{
		Name: "nina",
		Probe: func(context.Context) error {
			running.Store(true)
			return nil
		},
		Backoff: fastBackoff(),
	})
	waitFor(t, "probe", running.Load)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestWatch_Panics(t *testing.T) {
	m := NewManager(quietLogger(), nil)
	for name, cfg := range map[string]WatcherConfig{
		"no name":  {Probe: func(context.Context) error { return nil }},
		"no probe": {Name: "nina"},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			m.Watch(context.Background(), cfg)
		})
	}
}
