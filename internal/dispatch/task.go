// Package dispatch holds pending poll and command tasks and executes
// them through a small worker pool gated by the upstream rate limiter.
package dispatch

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/nina-bridge/internal/nina"
)

// Priority selects the queue lane.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

var (
	// ErrQueueClosed is returned by enqueue and claim after Close.
	ErrQueueClosed = errors.New("dispatch queue closed")

	// ErrDiscarded resolves a command slot whose requester stopped
	// waiting.
	ErrDiscarded = errors.New("command discarded")

	// ErrAbandoned resolves a command slot still pending at shutdown.
	ErrAbandoned = errors.New("task abandoned at shutdown")
)

// Task is a unit of queued work.
type Task interface {
	Device() string
	Priority() Priority
	Kind() string
}

// PollTask fetches and publishes one device class.
type PollTask struct {
	Class       string
	ScheduledAt time.Time
	EnqueuedAt  time.Time
	Attempts    int
}

func (t *PollTask) Device() string     { return t.Class }
func (t *PollTask) Priority() Priority { return PriorityNormal }
func (t *PollTask) Kind() string       { return "poll" }

// CommandTask executes a validated write command. Its result slot is
// filled at most once.
type CommandTask struct {
	ID         string
	Class      string
	Command    nina.Command
	Payload    []byte
	CreatedAt  time.Time
	EnqueuedAt time.Time
	Attempts   int

	slot *Slot
}

// NewCommandTask creates a command task with an empty result slot.
func NewCommandTask(id, class string, cmd nina.Command, payload []byte) *CommandTask {
	return &CommandTask{
		ID:        id,
		Class:     class,
		Command:   cmd,
		Payload:   payload,
		CreatedAt: time.Now(),
		slot:      newSlot(),
	}
}

func (t *CommandTask) Device() string     { return t.Class }
func (t *CommandTask) Priority() Priority { return PriorityHigh }
func (t *CommandTask) Kind() string       { return "command" }

// Slot returns the task's result slot.
func (t *CommandTask) Slot() *Slot { return t.slot }

// Outcome is what a worker reports for a command.
type Outcome struct {
	Result     json.RawMessage
	Err        error
	Attempts   int
	FinishedAt time.Time
}

// Slot is a single-assignment result holder. The first Resolve wins;
// later calls are ignored and report false.
type Slot struct {
	once      sync.Once
	ch        chan Outcome
	discarded atomic.Bool
}

func newSlot() *Slot {
	return &Slot{ch: make(chan Outcome, 1)}
}

// Resolve stores o if the slot is still empty and reports whether it did.
func (s *Slot) Resolve(o Outcome) bool {
	won := false
	s.once.Do(func() {
		if o.FinishedAt.IsZero() {
			o.FinishedAt = time.Now()
		}
		s.ch <- o
		won = true
	})
	return won
}

// Done delivers the outcome once resolved. It yields exactly one value.
func (s *Slot) Done() <-chan Outcome { return s.ch }

// Discard marks the slot abandoned by its requester and resolves it with
// [ErrDiscarded]. It reports false if a result was already stored, in
// which case that result is still waiting on Done.
func (s *Slot) Discard() bool {
	s.discarded.Store(true)
	return s.Resolve(Outcome{Err: ErrDiscarded})
}

// Discarded reports whether the requester stopped waiting.
func (s *Slot) Discarded() bool { return s.discarded.Load() }
