package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/nina-bridge/internal/nina"
)

func TestQueue_HighLaneFirst(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	q.EnqueuePoll(&PollTask{Class: "camera"})
	q.EnqueuePoll(&PollTask{Class: "mount"})
	q.EnqueueCommand(NewCommandTask("c1", "sequence", nina.Command{Action: "stop"}, nil))
	q.EnqueuePoll(&PollTask{Class: "camera"})

	if q.Depth() != 4 {
		t.Fatalf("Depth() = %d, want 4", q.Depth())
	}

	want := []string{"command:sequence", "poll:camera", "poll:mount", "poll:camera"}
	for i, w := range want {
		task, err := q.Claim(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if got := task.Kind() + ":" + task.Device(); got != w {
			t.Errorf("claim %d = %s, want %s", i, got, w)
		}
	}
	if q.Depth() != 0 {
		t.Errorf("Depth() = %d after draining", q.Depth())
	}
}

func TestQueue_EnqueueStampsTime(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	pt := &PollTask{Class: "weather", ScheduledAt: time.Now()}
	if err := q.EnqueuePoll(pt); err != nil {
		t.Fatal(err)
	}
	if pt.EnqueuedAt.IsZero() || pt.EnqueuedAt.Before(pt.ScheduledAt) {
		t.Errorf("EnqueuedAt = %v, ScheduledAt = %v", pt.EnqueuedAt, pt.ScheduledAt)
	}
}

func TestQueue_ClaimBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	got := make(chan Task, 1)
	go func() {
		task, err := q.Claim(context.Background())
		if err == nil {
			got <- task
		}
	}()

	select {
	case <-got:
		t.Fatal("Claim returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	q.EnqueuePoll(&PollTask{Class: "focuser"})
	select {
	case task := <-got:
		if task.Device() != "focuser" {
			t.Errorf("claimed %s", task.Device())
		}
	case <-time.After(time.Second):
		t.Fatal("Claim did not wake on enqueue")
	}
}

func TestQueue_ClaimContextCanceled(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Claim(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Claim = %v, want deadline exceeded", err)
	}
}

func TestQueue_WakesEveryWaiter(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	const n = 4
	var wg sync.WaitGroup
	claimed := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			task, err := q.Claim(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			claimed <- task.Device()
		}()
	}
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < n; i++ {
		q.EnqueuePoll(&PollTask{Class: "guider"})
	}
	wg.Wait()
	if len(claimed) != n {
		t.Errorf("%d of %d waiters claimed a task", len(claimed), n)
	}
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	q.EnqueuePoll(&PollTask{Class: "dome"})
	q.EnqueueCommand(NewCommandTask("c1", "mount", nina.Command{Action: "park"}, nil))

	blocked := make(chan error, 1)
	q2 := NewQueue()
	go func() {
		_, err := q2.Claim(context.Background())
		blocked <- err
	}()

	left := q.Close()
	if len(left) != 2 || left[0].Kind() != "command" || left[1].Device() != "dome" {
		t.Errorf("Close() returned %v", left)
	}
	if q.Close() != nil {
		t.Error("second Close should return nil")
	}
	if _, err := q.Claim(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Claim after Close = %v", err)
	}
	if err := q.EnqueuePoll(&PollTask{Class: "dome"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("EnqueuePoll after Close = %v", err)
	}

	q2.Close()
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("blocked Claim returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked claimer")
	}

	s := q.Stats()
	if !s.Closed || s.Enqueued != 2 || s.High != 0 || s.Normal != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestSlot_FirstWriterWins(t *testing.T) {
	t.Parallel()
	ct := NewCommandTask("c1", "mount", nina.Command{Action: "home"}, nil)
	s := ct.Slot()

	if !s.Resolve(Outcome{Result: []byte(`"first"`)}) {
		t.Fatal("first Resolve should win")
	}
	if s.Resolve(Outcome{Result: []byte(`"second"`)}) {
		t.Error("second Resolve should lose")
	}
	if s.Discard() {
		t.Error("Discard after Resolve should lose")
	}
	if !s.Discarded() {
		t.Error("Discard should still mark the slot")
	}

	o := <-s.Done()
	if string(o.Result) != `"first"` || o.FinishedAt.IsZero() {
		t.Errorf("outcome = %+v", o)
	}
	select {
	case extra := <-s.Done():
		t.Errorf("slot delivered a second outcome: %+v", extra)
	default:
	}
}

func TestSlot_DiscardWins(t *testing.T) {
	t.Parallel()
	s := NewCommandTask("c2", "sequence", nina.Command{}, nil).Slot()
	if !s.Discard() {
		t.Fatal("Discard on empty slot should win")
	}
	if s.Resolve(Outcome{Result: []byte(`{}`)}) {
		t.Error("late Resolve should lose")
	}
	if o := <-s.Done(); !errors.Is(o.Err, ErrDiscarded) {
		t.Errorf("outcome err = %v, want ErrDiscarded", o.Err)
	}
}
