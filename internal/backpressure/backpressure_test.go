package backpressure

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/nina-bridge/internal/events"
)

var t0 = time.Date(2026, 10, 16, 22, 0, 0, 0, time.UTC)

// fillBucket feeds one sample per second across bucket k.
func fillBucket(m *Monitor, k int, depth int) {
	start := t0.Add(time.Duration(k) * time.Minute)
	for s := 0; s < 60; s++ {
		m.Observe(start.Add(time.Duration(s)*time.Second), depth)
	}
}

func newTestMonitor(buf *bytes.Buffer, opts ...Option) *Monitor {
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return New(func() int { return 0 }, logger, opts...)
}

func TestPauseAndResumeExactlyOnce(t *testing.T) {
	var buf bytes.Buffer
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	var transitions []bool
	m := newTestMonitor(&buf, WithEvents(bus), WithOnChange(func(p bool) { transitions = append(transitions, p) }))

	fillBucket(m, 0, 5)
	fillBucket(m, 1, 9)
	fillBucket(m, 2, 14)
	if m.Paused() {
		t.Fatal("paused before the third bucket closed")
	}

	fillBucket(m, 3, 20) // first sample closes bucket 2
	if !m.Paused() {
		t.Fatalf("not paused after averages %v", m.Averages())
	}

	fillBucket(m, 4, 12) // closes bucket 3 (20): still rising, no new event
	if !m.Paused() {
		t.Fatal("should stay paused while rising")
	}

	m.Observe(t0.Add(5*time.Minute), 3) // closes bucket 4 (12 < 20)
	if m.Paused() {
		t.Fatalf("still paused after averages %v", m.Averages())
	}

	out := buf.String()
	if n := strings.Count(out, "pausing poll scheduling"); n != 1 {
		t.Errorf("pause logged %d times, want 1:\n%s", n, out)
	}
	if n := strings.Count(out, "resuming poll scheduling"); n != 1 {
		t.Errorf("resume logged %d times, want 1:\n%s", n, out)
	}
	if !strings.Contains(out, "level=ERROR") {
		t.Error("pause should be logged at error level")
	}

	var kinds []string
	for len(sub) > 0 {
		kinds = append(kinds, (<-sub).Kind)
	}
	if len(kinds) != 2 || kinds[0] != events.KindPaused || kinds[1] != events.KindResumed {
		t.Errorf("events = %v, want [paused resumed]", kinds)
	}
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("transitions = %v, want [true false]", transitions)
	}

	s := m.Stats()
	if s.Pauses != 1 || s.Resumes != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestAveragesFromSpecExample(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMonitor(&buf)

	fillBucket(m, 0, 5)
	fillBucket(m, 1, 9)
	fillBucket(m, 2, 14)
	m.Observe(t0.Add(3*time.Minute), 0)

	got := m.Averages()
	want := []float64{5, 9, 14}
	if len(got) != len(want) {
		t.Fatalf("Averages() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Averages()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if !m.Paused() {
		t.Error("5 -> 9 -> 14 should pause")
	}
}

func TestNoPauseWithoutStrictIncrease(t *testing.T) {
	tests := []struct {
		name   string
		depths []int
	}{
		{"flat", []int{5, 5, 9}},
		{"dip", []int{5, 9, 7}},
		{"two buckets", []int{1, 50}},
		{"steady high", []int{40, 40, 40, 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			m := newTestMonitor(&buf)
			for k, d := range tt.depths {
				fillBucket(m, k, d)
			}
			m.Observe(t0.Add(time.Duration(len(tt.depths))*time.Minute), 0)
			if m.Paused() {
				t.Errorf("paused on averages %v", m.Averages())
			}
		})
	}
}

func TestAtMostThreeAveragesRetained(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMonitor(&buf)
	for k := 0; k < 6; k++ {
		fillBucket(m, k, k)
	}
	m.Observe(t0.Add(6*time.Minute), 0)

	got := m.Averages()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Errorf("Averages() = %v, want [3 4 5]", got)
	}
}

func TestEmptyBucketsSkipped(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMonitor(&buf)

	m.Observe(t0, 4)
	m.Observe(t0.Add(30*time.Second), 6)
	m.Observe(t0.Add(3*time.Minute+10*time.Second), 1)

	got := m.Averages()
	if len(got) != 1 || got[0] != 5 {
		t.Errorf("Averages() = %v, want [5]", got)
	}
	if s := m.Stats(); s.CurrentSamples != 1 {
		t.Errorf("CurrentSamples = %d, want 1", s.CurrentSamples)
	}

	// The next bucket boundary stays aligned to the first sample.
	m.Observe(t0.Add(4*time.Minute), 2)
	if got := m.Averages(); len(got) != 2 || got[1] != 1 {
		t.Errorf("Averages() = %v, want [5 1]", got)
	}
}

func TestRunSamplesUntilCanceled(t *testing.T) {
	var depth atomic.Int64
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := New(func() int { return int(depth.Add(1)) }, logger,
		WithSampleInterval(2*time.Millisecond),
		WithBucketSize(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for !m.Paused() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if !m.Paused() {
		t.Errorf("monotonically growing depth never paused; averages %v", m.Averages())
	}
}
