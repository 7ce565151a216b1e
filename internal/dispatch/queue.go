package dispatch

import (
	"context"
	"sync"
	"time"
)

// Queue is a two-lane FIFO. Claim always drains the high lane first.
type Queue struct {
	mu       sync.Mutex
	high     []Task
	normal   []Task
	closed   bool
	signal   chan struct{} // capacity 1; wakes one claimer
	closedCh chan struct{}

	enqueued uint64
	claimed  uint64
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// EnqueuePoll appends a poll task to the normal lane.
func (q *Queue) EnqueuePoll(t *PollTask) error {
	return q.push(t, func() { t.EnqueuedAt = time.Now() })
}

// EnqueueCommand appends a command task to the high lane.
func (q *Queue) EnqueueCommand(t *CommandTask) error {
	return q.push(t, func() { t.EnqueuedAt = time.Now() })
}

func (q *Queue) push(t Task, stamp func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	stamp()
	if t.Priority() == PriorityHigh {
		q.high = append(q.high, t)
	} else {
		q.normal = append(q.normal, t)
	}
	q.enqueued++
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Claim removes and returns the next task, blocking until one is
// available, ctx is done, or the queue is closed.
func (q *Queue) Claim(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if t := q.popLocked(); t != nil {
			more := len(q.high)+len(q.normal) > 0
			q.mu.Unlock()
			if more {
				// Pass the wakeup on so another idle worker sees the rest.
				q.wake()
			}
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closedCh:
		case <-q.signal:
		}
	}
}

func (q *Queue) popLocked() Task {
	var t Task
	switch {
	case len(q.high) > 0:
		t = q.high[0]
		q.high[0] = nil
		q.high = q.high[1:]
	case len(q.normal) > 0:
		t = q.normal[0]
		q.normal[0] = nil
		q.normal = q.normal[1:]
	default:
		return nil
	}
	q.claimed++
	return t
}

// Depth returns the number of tasks waiting for a worker.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Close stops the queue and returns the tasks that were still waiting,
// high lane first. Close is idempotent; later calls return nil.
func (q *Queue) Close() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closedCh)

	left := make([]Task, 0, len(q.high)+len(q.normal))
	left = append(left, q.high...)
	left = append(left, q.normal...)
	q.high, q.normal = nil, nil
	return left
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	High     int    `json:"high"`
	Normal   int    `json:"normal"`
	Enqueued uint64 `json:"enqueued"`
	Claimed  uint64 `json:"claimed"`
	Closed   bool   `json:"closed"`
}

// Stats reports lane depths and lifetime counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		High:     len(q.high),
		Normal:   len(q.normal),
		Enqueued: q.enqueued,
		Claimed:  q.claimed,
		Closed:   q.closed,
	}
}
