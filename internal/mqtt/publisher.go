package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/nina-bridge/internal/command"
	"github.com/nugget/nina-bridge/internal/config"
	"github.com/nugget/nina-bridge/internal/device"
	"github.com/nugget/nina-bridge/internal/dispatch"
	"github.com/nugget/nina-bridge/internal/events"
	"github.com/nugget/nina-bridge/internal/nina"
)

// ErrNotConnected is returned by publish operations while the broker
// session is down.
var ErrNotConnected = errors.New("mqtt not connected")

// bridgeDevice is the pseudo device segment for the bridge's own topics.
const bridgeDevice = "bridge"

// DefaultStateInterval is how often bridge diagnostics are published.
const DefaultStateInterval = 60 * time.Second

// Client is the subset of [autopaho.ConnectionManager] the publisher
// uses.
type Client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
}

// StatsSource provides runtime data for the bridge diagnostic sensors.
// The concrete adapter is wired in main.go.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// QueueDepth returns the number of tasks waiting for a worker.
	QueueDepth() int
	// Paused reports whether poll scheduling is suspended.
	Paused() bool
}

// Publisher owns the broker session. It publishes device state and
// images, per-device and bridge availability, minimal discovery
// configs, command responses and bridge diagnostics, and feeds inbound
// command messages to a [Submitter].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	deviceID   string
	classes    []device.Class
	refresh    map[string]time.Duration
	counters   *DailyCounters
	stats      StatsSource
	submitter  Submitter
	bus        *events.Bus
	logger     *slog.Logger
	cmdTopic   commandTopic
	limiter    *messageRateLimiter
	interval   time.Duration

	connected atomic.Bool
	inflight  sync.WaitGroup

	mu         sync.Mutex
	ctx        context.Context
	client     Client
	cm         *autopaho.ConnectionManager
	discovered map[string]bool   // discovery topics published this session
	avail      map[string]string // last availability payload per device
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithCounters attaches the daily activity counters.
func WithCounters(c *DailyCounters) Option {
	return func(p *Publisher) { p.counters = c }
}

// WithStats attaches the diagnostic data source.
func WithStats(s StatsSource) Option {
	return func(p *Publisher) { p.stats = s }
}

// WithSubmitter routes inbound command messages to s.
func WithSubmitter(s Submitter) Option {
	return func(p *Publisher) { p.submitter = s }
}

// WithEvents publishes connection transitions to bus.
func WithEvents(bus *events.Bus) Option {
	return func(p *Publisher) { p.bus = bus }
}

// WithStateInterval sets the diagnostic publish cadence.
func WithStateInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithCommandRateLimit bounds inbound command messages per interval.
func WithCommandRateLimit(limit int64, interval time.Duration) Option {
	return func(p *Publisher) {
		if limit > 0 && interval > 0 {
			p.limiter = newMessageRateLimiter(limit, interval, p.logger)
		}
	}
}

// New creates a Publisher but does not connect. Only enabled classes
// get availability and discovery. Call [Publisher.Start] to connect.
func New(cfg config.MQTTConfig, info config.DeviceInfoConfig, classes []device.Class, instanceID string, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(info, instanceID),
		deviceID:   info.DeviceID,
		classes:    device.Enabled(classes),
		refresh:    make(map[string]time.Duration),
		logger:     logger,
		cmdTopic:   newCommandTopic(cfg.Topics.CommandTopic, cfg.Topics.BaseTopic),
		interval:   DefaultStateInterval,
		discovered: make(map[string]bool),
		avail:      make(map[string]string),
	}
	for _, c := range p.classes {
		p.refresh[c.Name] = c.RefreshEvery
	}
	p.limiter = newMessageRateLimiter(defaultCommandLimit, defaultCommandInterval, logger)
	for _, o := range opts {
		o(p)
	}
	if p.counters == nil {
		p.counters = NewDailyCounters(nil)
	}
	return p
}

// SetSubmitter attaches the command handler after construction. The
// correlator and the publisher reference each other, so one of them is
// wired late.
func (p *Publisher) SetSubmitter(s Submitter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitter = s
}

// Start connects to the broker and runs the diagnostic publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes the
// bridge birth message and diagnostic discovery, and re-subscribes to
// the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	go p.limiter.start(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(p.cfg.KeepAlive),
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(bridgeDevice),
			Payload: []byte(PayloadOff),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.handleCommand(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
			OnClientError: func(err error) {
				p.onDisconnect(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.onDisconnect(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
			},
		},
	}

	// Enable TLS for secure schemes.
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "wss":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop waits for in-progress command handlers, publishes OFF to every
// enabled device availability and to the bridge availability, then
// disconnects. ctx bounds the whole sequence.
func (p *Publisher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("mqtt stop: command handlers still running", "error", ctx.Err())
	}

	if p.connected.Load() {
		for _, c := range p.classes {
			p.setAvailability(ctx, c.Name, PayloadOff)
		}
		p.publishAvailability(ctx, bridgeDevice, PayloadOff)
	}

	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by the connwatch broker probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Connected reports whether a broker session is up.
func (p *Publisher) Connected() bool { return p.connected.Load() }

func (p *Publisher) runCtx() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

func (p *Publisher) onConnect(ctx context.Context, c Client) {
	p.mu.Lock()
	p.client = c
	p.discovered = make(map[string]bool)
	p.avail = make(map[string]string)
	p.mu.Unlock()
	p.connected.Store(true)

	p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
	p.publishAvailability(ctx, bridgeDevice, PayloadOn)
	p.publishDiscovery(ctx)

	filter := p.cmdTopic.filter()
	if _, err := c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscription failed", "filter", filter, "error", err)
	} else {
		p.logger.Debug("mqtt subscribed to commands", "filter", filter)
	}

	p.bus.Emit(events.SourceMQTT, events.KindConnected, map[string]any{"broker": p.cfg.Broker})
}

func (p *Publisher) onDisconnect(err error) {
	if !p.connected.Swap(false) {
		return
	}
	p.logger.Warn("mqtt connection lost", "error", err)
	p.bus.Emit(events.SourceMQTT, events.KindDisconnected, map[string]any{"error": err.Error()})
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil || !p.connected.Load() {
		return ErrNotConnected
	}
	_, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.Topics.BaseTopic
}

func (p *Publisher) expand(template, dev string) string {
	return strings.NewReplacer("{base}", p.baseTopic(), "{device}", dev).Replace(template)
}

func (p *Publisher) availabilityTopic(dev string) string {
	return p.expand(p.cfg.Topics.AvailabilityTopic, dev)
}

func (p *Publisher) stateTopic(dev, variable string) string {
	return p.baseTopic() + "/" + dev + "/" + variable
}

func (p *Publisher) imageTopic(dev string) string {
	return p.baseTopic() + "/" + dev + "/image"
}

func (p *Publisher) responseTopic(dev string) string {
	return p.baseTopic() + "/" + dev + "/command_response"
}

func (p *Publisher) errorTopic(dev string) string {
	return p.expand(p.cfg.Topics.CommandErrorTopic, dev)
}

func (p *Publisher) discoveryTopic(component, objectID string) string {
	return p.cfg.Topics.DiscoveryPrefix + "/" + component + "/" + p.deviceID + "/" + objectID + "/config"
}

// expireAfter is how long HA keeps a value without an update.
func (p *Publisher) expireAfter(dev string) int {
	r, ok := p.refresh[dev]
	if !ok {
		r = device.DefaultRefresh
	}
	return int(math.Ceil(r.Seconds() * 2.2))
}

// --- Device data ---

// PublishResult implements [dispatch.Publisher]. Status values go to
// retained per-variable state topics, images to the class image topic
// unretained. Each topic's discovery config is published the first time
// the topic is seen on the current connection. A successful publish
// marks the device available; an image class with no image marks it
// unavailable.
func (p *Publisher) PublishResult(ctx context.Context, res nina.Result) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}
	var errs []error

	if device.KindOf(res.Class) == device.KindImage {
		if res.HasImage() {
			if err := p.ensureDiscovery(ctx, p.discoveryTopic("camera", res.Class), p.cameraConfig(res.Class)); err != nil {
				errs = append(errs, err)
			}
			if err := p.publish(ctx, p.imageTopic(res.Class), res.Image, 0, false); err != nil {
				errs = append(errs, err)
			}
		} else {
			p.logger.Debug("no image available", "device", res.Class)
			p.setAvailability(ctx, res.Class, PayloadOff)
			return nil
		}
	} else {
		keys := make([]string, 0, len(res.Values))
		for k := range res.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := p.ensureDiscovery(ctx, p.discoveryTopic("sensor", res.Class+"_"+k), p.sensorConfig(res.Class, k)); err != nil {
				errs = append(errs, err)
			}
			if err := p.publish(ctx, p.stateTopic(res.Class, k), []byte(nina.FormatValue(res.Values[k])), 0, true); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	p.setAvailability(ctx, res.Class, PayloadOn)
	p.logger.Debug("device state published", "device", res.Class, "values", len(res.Values), "image_bytes", len(res.Image))
	return nil
}

func (p *Publisher) sensorConfig(dev, variable string) SensorConfig {
	return SensorConfig{
		Name:                entityName(dev, variable),
		HasEntityName:       true,
		UniqueID:            p.deviceID + "_" + dev + "_" + variable,
		StateTopic:          p.stateTopic(dev, variable),
		AvailabilityTopic:   p.availabilityTopic(dev),
		PayloadAvailable:    PayloadOn,
		PayloadNotAvailable: PayloadOff,
		Device:              p.device,
		ExpireAfter:         p.expireAfter(dev),
	}
}

func (p *Publisher) cameraConfig(dev string) CameraConfig {
	return CameraConfig{
		Name:                entityName(dev),
		HasEntityName:       true,
		UniqueID:            p.deviceID + "_" + dev + "_image",
		Topic:               p.imageTopic(dev),
		AvailabilityTopic:   p.availabilityTopic(dev),
		PayloadAvailable:    PayloadOn,
		PayloadNotAvailable: PayloadOff,
		Device:              p.device,
	}
}

func (p *Publisher) ensureDiscovery(ctx context.Context, topic string, cfg any) error {
	p.mu.Lock()
	seen := p.discovered[topic]
	p.mu.Unlock()
	if seen {
		return nil
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal discovery for %s: %w", topic, err)
	}
	if err := p.publish(ctx, topic, payload, 1, true); err != nil {
		return err
	}

	p.mu.Lock()
	p.discovered[topic] = true
	p.mu.Unlock()
	p.logger.Debug("mqtt discovery published", "topic", topic)
	return nil
}

// setAvailability publishes state for dev if it differs from the last
// value sent on this connection.
func (p *Publisher) setAvailability(ctx context.Context, dev, state string) {
	p.mu.Lock()
	same := p.avail[dev] == state
	p.mu.Unlock()
	if same {
		return
	}
	if p.publishAvailability(ctx, dev, state) {
		p.mu.Lock()
		p.avail[dev] = state
		p.mu.Unlock()
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, dev, state string) bool {
	if err := p.publish(ctx, p.availabilityTopic(dev), []byte(state), 1, true); err != nil {
		p.logger.Warn("mqtt availability publish failed", "device", dev, "status", state, "error", err)
		return false
	}
	p.logger.Debug("mqtt availability published", "device", dev, "status", state)
	return true
}

// --- dispatch.Observer ---

// TaskDone implements [dispatch.Observer].
func (p *Publisher) TaskDone(_ context.Context, t dispatch.Task, attempts int, _ time.Duration) {
	p.counters.AddCalls(upstreamCalls(t, attempts))
}

// upstreamCalls is the number of NINA requests a task made: polls of
// multi-endpoint classes issue more than one per attempt.
func upstreamCalls(t dispatch.Task, attempts int) int {
	if t.Kind() == "poll" {
		return attempts * device.CallCost(t.Device())
	}
	return attempts
}

// TaskFailed implements [dispatch.Observer]. A poll that finally fails
// marks its device unavailable.
func (p *Publisher) TaskFailed(ctx context.Context, t dispatch.Task, attempts int, _ error) {
	p.counters.AddCalls(upstreamCalls(t, attempts))
	p.counters.AddFailure()
	if t.Kind() == "poll" && p.connected.Load() {
		p.setAvailability(context.WithoutCancel(ctx), t.Device(), PayloadOff)
	}
}

// --- command.ResponseSink ---

// HandleResponse implements [command.ResponseSink]. Completed commands
// are answered on the device's command_response topic, everything else
// on its command error topic.
func (p *Publisher) HandleResponse(ctx context.Context, r command.Response) {
	p.counters.AddCommand()

	payload, err := json.Marshal(r)
	if err != nil {
		p.logger.Error("mqtt marshal command response", "command_id", r.ID, "error", err)
		return
	}
	topic := p.responseTopic(r.Device)
	if !r.OK() {
		topic = p.errorTopic(r.Device)
	}
	if err := p.publish(ctx, topic, payload, 1, false); err != nil {
		p.logger.Warn("mqtt command response publish failed", "command_id", r.ID, "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt command response published", "command_id", r.ID, "topic", topic, "status", r.Status)
}

// --- Bridge diagnostics ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) bridgeStateTopic(entity string) string {
	return p.stateTopic(bridgeDevice, entity)
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic(bridgeDevice)
	def := func(entity, icon, stateClass, category string) sensorDef {
		return sensorDef{
			entitySuffix: entity,
			config: SensorConfig{
				Name:                entityName(entity),
				HasEntityName:       true,
				UniqueID:            p.instanceID + "_" + entity,
				StateTopic:          p.bridgeStateTopic(entity),
				AvailabilityTopic:   avail,
				PayloadAvailable:    PayloadOn,
				PayloadNotAvailable: PayloadOff,
				Device:              p.device,
				Icon:                icon,
				StateClass:          stateClass,
				EntityCategory:      category,
			},
		}
	}
	return []sensorDef{
		def("uptime", "mdi:clock-outline", "", "diagnostic"),
		def("version", "mdi:tag", "", "diagnostic"),
		def("queue_depth", "mdi:tray-full", "measurement", "diagnostic"),
		def("paused", "mdi:pause-circle", "", "diagnostic"),
		def("calls_today", "mdi:counter", "total_increasing", "diagnostic"),
		def("failures_today", "mdi:alert-circle", "total_increasing", "diagnostic"),
		def("commands_today", "mdi:console", "total_increasing", "diagnostic"),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context) {
	for _, s := range p.sensorDefinitions() {
		if err := p.ensureDiscovery(ctx, p.discoveryTopic("sensor", bridgeDevice+"_"+s.entitySuffix), s.config); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entitySuffix, "error", err)
		}
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) states() map[string]string {
	calls, failures, commands := p.counters.Snapshot()
	states := map[string]string{
		"calls_today":    strconv.FormatInt(calls, 10),
		"failures_today": strconv.FormatInt(failures, 10),
		"commands_today": strconv.FormatInt(commands, 10),
	}
	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["queue_depth"] = strconv.Itoa(p.stats.QueueDepth())
		states["paused"] = strconv.FormatBool(p.stats.Paused())
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if !p.connected.Load() {
		return
	}
	states := p.states()
	for entity, value := range states {
		if err := p.publish(ctx, p.bridgeStateTopic(entity), []byte(value), 0, true); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt bridge states published", "entities", len(states))
}
