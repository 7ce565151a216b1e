package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/nina-bridge/internal/dispatch"
	"github.com/nugget/nina-bridge/internal/events"
	"github.com/nugget/nina-bridge/internal/nina"
)

type captureSink struct {
	mu    sync.Mutex
	resps []Response
}

func (s *captureSink) HandleResponse(_ context.Context, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resps = append(s.resps, r)
}

func (s *captureSink) all() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Response(nil), s.resps...)
}

// worker claims one task from q and resolves it with o after delay.
func worker(t *testing.T, q *dispatch.Queue, delay time.Duration, o dispatch.Outcome) <-chan bool {
	t.Helper()
	won := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		task, err := q.Claim(ctx)
		if err != nil {
			won <- false
			return
		}
		time.Sleep(delay)
		won <- task.(*dispatch.CommandTask).Slot().Resolve(o)
	}()
	return won
}

func newTestCorrelator(q Enqueuer, timeout time.Duration, opts ...Option) (*Correlator, *captureSink, *bytes.Buffer) {
	var logs bytes.Buffer
	sink := &captureSink{}
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]Option{WithTimeout(timeout), WithSinks(sink)}, opts...)
	return New(q, logger, opts...), sink, &logs
}

func TestSubmit_Completed(t *testing.T) {
	t.Parallel()
	q := dispatch.NewQueue()
	c, sink, _ := newTestCorrelator(q, time.Second)

	worker(t, q, 0, dispatch.Outcome{Result: json.RawMessage(`{"action":"park"}`), Attempts: 1})
	resp := c.Submit(context.Background(), "mount", []byte(`{"action":"park"}`))

	if resp.Status != StatusCompleted || !resp.OK() {
		t.Fatalf("Status = %s, error %q", resp.Status, resp.Error)
	}
	if resp.Action != "park" || resp.Device != "mount" || resp.Attempts != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if string(resp.Result) != `{"action":"park"}` {
		t.Errorf("Result = %s", resp.Result)
	}
	if resp.FinishedAt.Before(resp.ReceivedAt) {
		t.Error("FinishedAt before ReceivedAt")
	}
	if got := sink.all(); len(got) != 1 || got[0].ID != resp.ID {
		t.Errorf("sink got %+v", got)
	}
	if st := c.Stats(); st.Pending != 0 || st.Responses[StatusCompleted] != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestSubmit_RejectedNotQueued(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		class   string
		payload string
		action  string
	}{
		{"unknown action", "mount", `{"action":"slew_to_jupiter"}`, "slew_to_jupiter"},
		{"read-only device", "camera", `{"action":"capture"}`, "capture"},
		{"bad json", "sequence", `start`, ""},
		{"bad tracking mode", "mount", `{"action":"tracking","mode":"warp"}`, "tracking"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := dispatch.NewQueue()
			c, sink, _ := newTestCorrelator(q, time.Second)

			resp := c.Submit(context.Background(), tt.class, []byte(tt.payload))
			if resp.Status != StatusRejected {
				t.Errorf("Status = %s, want rejected", resp.Status)
			}
			if resp.Action != tt.action {
				t.Errorf("Action = %q, want %q", resp.Action, tt.action)
			}
			if !strings.Contains(resp.Error, nina.ErrUnsupportedCommand.Error()) {
				t.Errorf("Error = %q", resp.Error)
			}
			if q.Depth() != 0 {
				t.Errorf("queue depth = %d after rejection", q.Depth())
			}
			if len(sink.all()) != 1 {
				t.Error("rejection not delivered to sink")
			}
		})
	}
}

func TestSubmit_TimeoutDiscardsTask(t *testing.T) {
	t.Parallel()
	q := dispatch.NewQueue()
	c, sink, logs := newTestCorrelator(q, 20*time.Millisecond)

	resp := c.Submit(context.Background(), "sequence", []byte(`{"action":"stop"}`))
	if resp.Status != StatusTimedOut {
		t.Fatalf("Status = %s, want timed_out", resp.Status)
	}
	if resp.Elapsed() < 20*time.Millisecond {
		t.Errorf("answered after %v, before the timeout", resp.Elapsed())
	}
	if !strings.Contains(logs.String(), "command timed out") {
		t.Errorf("timeout not logged:\n%s", logs.String())
	}

	// The task is still queued but marked discarded, and a late result
	// is refused.
	task, err := q.Claim(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ct := task.(*dispatch.CommandTask)
	if ct.ID != resp.ID || !ct.Slot().Discarded() {
		t.Errorf("queued task %s discarded=%v", ct.ID, ct.Slot().Discarded())
	}
	if ct.Slot().Resolve(dispatch.Outcome{Result: json.RawMessage(`{}`)}) {
		t.Error("late result accepted")
	}
	if n := len(sink.all()); n != 1 {
		t.Errorf("sink received %d responses, want exactly 1", n)
	}
}

func TestSubmit_LateResultSwallowed(t *testing.T) {
	t.Parallel()
	q := dispatch.NewQueue()
	c, sink, _ := newTestCorrelator(q, 20*time.Millisecond)

	won := worker(t, q, 80*time.Millisecond, dispatch.Outcome{Result: json.RawMessage(`{}`), Attempts: 1})
	resp := c.Submit(context.Background(), "mount", []byte(`{"action":"home"}`))
	if resp.Status != StatusTimedOut {
		t.Fatalf("Status = %s, want timed_out", resp.Status)
	}
	if <-won {
		t.Error("worker result won after the timeout response")
	}
	if got := sink.all(); len(got) != 1 || got[0].Status != StatusTimedOut {
		t.Errorf("sink got %+v", got)
	}
}

func TestSubmit_WorkerFailure(t *testing.T) {
	t.Parallel()
	q := dispatch.NewQueue()
	c, _, _ := newTestCorrelator(q, time.Second)

	upstream := &nina.StatusError{StatusCode: 409, Path: "/equipment/mount/park", Message: "Mount not connected"}
	worker(t, q, 0, dispatch.Outcome{Err: upstream, Attempts: 1})

	resp := c.Submit(context.Background(), "mount", []byte(`{"action":"park"}`))
	if resp.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", resp.Status)
	}
	if !strings.Contains(resp.Error, "Mount not connected") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestSubmit_AbandonedAtShutdown(t *testing.T) {
	t.Parallel()
	q := dispatch.NewQueue()
	c, _, _ := newTestCorrelator(q, time.Second)

	worker(t, q, 0, dispatch.Outcome{Err: dispatch.ErrAbandoned})
	resp := c.Submit(context.Background(), "sequence", []byte(`{"action":"start"}`))
	if resp.Status != StatusFailed || resp.Error != dispatch.ErrAbandoned.Error() {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSubmit_ContextCanceled(t *testing.T) {
	t.Parallel()
	q := dispatch.NewQueue()
	c, sink, _ := newTestCorrelator(q, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp := c.Submit(ctx, "mount", []byte(`{"action":"unpark"}`))
	if resp.Status != StatusFailed || !strings.Contains(resp.Error, context.DeadlineExceeded.Error()) {
		t.Errorf("resp = %+v", resp)
	}
	if len(sink.all()) != 1 {
		t.Error("sink not notified")
	}
}

func TestSubmit_QueueClosed(t *testing.T) {
	t.Parallel()
	q := dispatch.NewQueue()
	q.Close()
	c, _, _ := newTestCorrelator(q, time.Second)

	resp := c.Submit(context.Background(), "mount", []byte(`{"action":"park"}`))
	if resp.Status != StatusFailed || resp.Error != dispatch.ErrQueueClosed.Error() {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSubmit_EmitsEvent(t *testing.T) {
	t.Parallel()
	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	c, _, _ := newTestCorrelator(dispatch.NewQueue(), time.Second, WithEvents(bus))
	resp := c.Submit(context.Background(), "dome", []byte(`{"action":"open"}`))

	select {
	case e := <-sub:
		if e.Kind != events.KindCommandResponse || e.Data["id"] != resp.ID || e.Data["status"] != "rejected" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no command_response event")
	}
}

func TestNewID_TimeOrdered(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		u, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("NewID() = %q: %v", id, err)
		}
		if u.Version() != 7 {
			t.Errorf("version = %d, want 7", u.Version())
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

type failingQueue struct{}

func (failingQueue) EnqueueCommand(*dispatch.CommandTask) error { return errors.New("boom") }

func TestSubmit_AddSink(t *testing.T) {
	t.Parallel()
	c := New(failingQueue{}, nil)
	late := &captureSink{}
	c.AddSink(late)

	resp := c.Submit(context.Background(), "mount", []byte(`{"action":"park"}`))
	if resp.Status != StatusFailed {
		t.Errorf("Status = %s", resp.Status)
	}
	if len(late.all()) != 1 {
		t.Error("sink added after construction not notified")
	}
}
