// Package events provides a publish/subscribe bus for operational
// events: polls, retries, command outcomes, backpressure transitions.
// Subscribers are the status server's WebSocket feed and the metrics
// collector. The bus is nil-safe: calling Publish or Emit on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceScheduler    = "scheduler"
	SourceDispatch     = "dispatch"
	SourceBackpressure = "backpressure"
	SourceCommand      = "command"
	SourceMQTT         = "mqtt"
	SourceJournal      = "journal"
	SourceConnwatch    = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindTickSkipped signals a poll tick dropped while paused.
	// Data: device.
	KindTickSkipped = "tick_skipped"

	// KindTaskDone signals a poll or command finished successfully.
	// Data: device, task, attempts, duration_ms.
	KindTaskDone = "task_done"
	// KindTaskRetry signals a transient failure that will be retried.
	// Data: device, task, attempt, delay_ms, error.
	KindTaskRetry = "task_retry"
	// KindTaskFailed signals a task given up on.
	// Data: device, task, attempts, error, exhausted.
	KindTaskFailed = "task_failed"
	// KindTaskAbandoned signals a task still queued or running at the
	// end of the shutdown grace period.
	// Data: device, task.
	KindTaskAbandoned = "task_abandoned"

	// KindPaused signals sustained queue growth.
	// Data: averages.
	KindPaused = "paused"
	// KindResumed signals recovery from backpressure.
	// Data: averages.
	KindResumed = "resumed"

	// KindCommandResponse signals a resolved command.
	// Data: id, device, action, status, error.
	KindCommandResponse = "command_response"

	// KindConnected and KindDisconnected track the broker session.
	KindConnected    = "connected"
	KindDisconnected = "disconnected"

	// KindServiceReady and KindServiceDown track upstream reachability.
	// Data: service, error (down only).
	KindServiceReady = "service_ready"
	KindServiceDown  = "service_down"

	// KindPruned signals a journal retention pass.
	// Data: rows.
	KindPruned = "pruned"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Counts returns how many events were published and how many
// per-subscriber deliveries were dropped because a buffer was full.
func (b *Bus) Counts() (published, dropped uint64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}
