// Package command correlates asynchronous write commands with their
// results. A submitted command is validated, queued on the dispatch
// high lane, and awaited for a bounded time. Whatever happens, exactly
// one [Response] is produced and handed to every registered sink.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/nina-bridge/internal/dispatch"
	"github.com/nugget/nina-bridge/internal/events"
	"github.com/nugget/nina-bridge/internal/nina"
)

// DefaultTimeout bounds how long Submit waits for a worker.
const DefaultTimeout = 10 * time.Second

// Status is the terminal state of a command.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// Response is the single answer produced for each submitted command.
type Response struct {
	ID         string          `json:"id"`
	Device     string          `json:"device"`
	Action     string          `json:"action,omitempty"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	ReceivedAt time.Time       `json:"received_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// OK reports whether the command completed.
func (r Response) OK() bool { return r.Status == StatusCompleted }

// Elapsed is the time from receipt to the response.
func (r Response) Elapsed() time.Duration { return r.FinishedAt.Sub(r.ReceivedAt) }

// ResponseSink receives every command response. Sinks handle their own
// delivery errors.
type ResponseSink interface {
	HandleResponse(ctx context.Context, r Response)
}

// Enqueuer accepts command tasks. Implemented by [dispatch.Queue].
type Enqueuer interface {
	EnqueueCommand(t *dispatch.CommandTask) error
}

// Correlator turns command payloads into queued tasks and waits for
// their outcome.
type Correlator struct {
	logger  *slog.Logger
	queue   Enqueuer
	timeout time.Duration
	bus     *events.Bus
	newID   func() string

	mu      sync.Mutex
	sinks   []ResponseSink
	pending map[string]*dispatch.CommandTask
	counts  map[Status]uint64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout sets how long Submit waits before answering timed_out.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEvents publishes every response to bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Correlator) { c.bus = bus }
}

// WithSinks registers response sinks.
func WithSinks(sinks ...ResponseSink) Option {
	return func(c *Correlator) { c.sinks = append(c.sinks, sinks...) }
}

// WithIDFunc overrides correlation id generation.
func WithIDFunc(fn func() string) Option {
	return func(c *Correlator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New creates a correlator feeding queue.
func New(queue Enqueuer, logger *slog.Logger, opts ...Option) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		logger:  logger,
		queue:   queue,
		timeout: DefaultTimeout,
		newID:   NewID,
		pending: make(map[string]*dispatch.CommandTask),
		counts:  make(map[Status]uint64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddSink registers a sink after construction. The MQTT publisher is
// both a command source and a sink, so it is attached once both exist.
func (c *Correlator) AddSink(s ResponseSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// NewID returns a time-ordered correlation id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Submit validates payload for class, queues it and blocks until a
// worker answers, the timeout elapses, or ctx is done. Invalid payloads
// are rejected without touching the queue.
func (c *Correlator) Submit(ctx context.Context, class string, payload []byte) Response {
	resp := Response{
		ID:         c.newID(),
		Device:     class,
		ReceivedAt: time.Now(),
	}
	log := c.logger.With("command_id", resp.ID, "device", class)

	cmd, err := nina.ParseCommand(class, payload)
	if err != nil {
		resp.Action = rawAction(payload)
		resp.Status = StatusRejected
		resp.Error = err.Error()
		log.Warn("command rejected", "error", err)
		return c.finish(ctx, resp)
	}
	resp.Action = cmd.Action

	task := dispatch.NewCommandTask(resp.ID, class, cmd, payload)
	if err := c.queue.EnqueueCommand(task); err != nil {
		resp.Status = StatusFailed
		resp.Error = err.Error()
		log.Warn("command not queued", "action", cmd.Action, "error", err)
		return c.finish(ctx, resp)
	}
	c.track(task)
	defer c.untrack(task)
	log.Debug("command queued", "action", cmd.Action)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	slot := task.Slot()
	select {
	case o := <-slot.Done():
		applyOutcome(&resp, o)

	case <-timer.C:
		if slot.Discard() {
			resp.Status = StatusTimedOut
			resp.Error = "no response within " + c.timeout.String()
			log.Warn("command timed out", "action", cmd.Action, "timeout", c.timeout)
		} else {
			// A worker resolved the slot between the timer firing and
			// the discard; its result stands.
			applyOutcome(&resp, <-slot.Done())
		}

	case <-ctx.Done():
		if slot.Discard() {
			resp.Status = StatusFailed
			resp.Error = ctx.Err().Error()
		} else {
			applyOutcome(&resp, <-slot.Done())
		}
	}

	switch resp.Status {
	case StatusCompleted:
		log.Info("command completed", "action", cmd.Action, "attempts", resp.Attempts)
	case StatusFailed:
		log.Warn("command failed", "action", cmd.Action, "attempts", resp.Attempts, "error", resp.Error)
	}
	return c.finish(ctx, resp)
}

func applyOutcome(resp *Response, o dispatch.Outcome) {
	resp.Attempts = o.Attempts
	if o.Err != nil {
		resp.Status = StatusFailed
		resp.Error = o.Err.Error()
		if errors.Is(o.Err, dispatch.ErrDiscarded) {
			resp.Status = StatusTimedOut
		}
		return
	}
	resp.Status = StatusCompleted
	resp.Result = o.Result
}

func (c *Correlator) finish(ctx context.Context, resp Response) Response {
	resp.FinishedAt = time.Now()

	c.mu.Lock()
	c.counts[resp.Status]++
	sinks := append([]ResponseSink(nil), c.sinks...)
	c.mu.Unlock()

	c.bus.Emit(events.SourceCommand, events.KindCommandResponse, map[string]any{
		"id":     resp.ID,
		"device": resp.Device,
		"action": resp.Action,
		"status": string(resp.Status),
		"error":  resp.Error,
	})

	// The requester may already be gone; sinks still get the answer.
	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range sinks {
		s.HandleResponse(sinkCtx, resp)
	}
	return resp
}

func (c *Correlator) track(t *dispatch.CommandTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[t.ID] = t
}

func (c *Correlator) untrack(t *dispatch.CommandTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, t.ID)
}

// rawAction pulls the action name out of a payload that failed
// validation, for reporting only.
func rawAction(payload []byte) string {
	var v struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	return strings.TrimSpace(v.Action)
}

// Stats is a point-in-time view of command traffic.
type Stats struct {
	Pending   int               `json:"pending"`
	Timeout   time.Duration     `json:"timeout"`
	Responses map[Status]uint64 `json:"responses"`
}

// Stats reports in-flight commands and response counts by status.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Pending:   len(c.pending),
		Timeout:   c.timeout,
		Responses: make(map[Status]uint64, len(c.counts)),
	}
	for k, v := range c.counts {
		st.Responses[k] = v
	}
	return st
}
