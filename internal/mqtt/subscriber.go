package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/nina-bridge/internal/command"
)

// Inbound command flood protection.
const (
	defaultCommandLimit    = 60
	defaultCommandInterval = time.Minute
)

// Submitter accepts command payloads. Implemented by
// [command.Correlator].
type Submitter interface {
	Submit(ctx context.Context, class string, payload []byte) command.Response
}

// commandTopic matches concrete topics against a command topic
// template such as "{base}/{device}/command".
type commandTopic struct {
	prefix string
	suffix string
}

func newCommandTopic(template, base string) commandTopic {
	t := strings.ReplaceAll(template, "{base}", base)
	prefix, suffix, _ := strings.Cut(t, "{device}")
	return commandTopic{prefix: prefix, suffix: suffix}
}

// filter is the subscription filter with the device segment wildcarded.
func (c commandTopic) filter() string {
	return c.prefix + "+" + c.suffix
}

// device extracts the device class from topic.
func (c commandTopic) device(topic string) (string, bool) {
	if !strings.HasPrefix(topic, c.prefix) || !strings.HasSuffix(topic, c.suffix) {
		return "", false
	}
	dev := topic[len(c.prefix) : len(topic)-len(c.suffix)]
	if dev == "" || strings.Contains(dev, "/") {
		return "", false
	}
	return dev, true
}

// messageRateLimiter tracks inbound command rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and reports whether the current
// count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// handleCommand routes one inbound message to the submitter. Submit
// blocks for up to the command timeout, so it runs on its own
// goroutine and the client's receive loop is never held up.
func (p *Publisher) handleCommand(topic string, payload []byte) bool {
	dev, ok := p.cmdTopic.device(topic)
	if !ok {
		return false
	}
	log := p.logger.With("topic", topic, "device", dev)

	p.mu.Lock()
	submitter := p.submitter
	p.mu.Unlock()
	if submitter == nil {
		log.Warn("mqtt command received with no command handler")
		return true
	}
	if !p.limiter.allow() {
		log.Debug("mqtt command dropped by rate limit", "payload_size", len(payload))
		return true
	}
	log.Debug("mqtt command received", "payload_size", len(payload))

	body := append([]byte(nil), payload...)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		submitter.Submit(p.runCtx(), dev, body)
	}()
	return true
}
