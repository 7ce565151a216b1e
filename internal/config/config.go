// Package config handles nina-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/nina-bridge/internal/device"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the -c flag) is checked first.
// Then: ./config.yaml, ~/.config/nina-bridge/config.yaml,
// /etc/nina-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nina-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/nina-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all nina-bridge configuration.
type Config struct {
	NINA         NINAConfig                 `yaml:"nina"`
	MQTT         MQTTConfig                 `yaml:"mqtt"`
	DeviceInfo   DeviceInfoConfig           `yaml:"device_info"`
	Devices      map[string]device.Settings `yaml:"devices"`
	Dispatch     DispatchConfig             `yaml:"dispatch"`
	Backpressure BackpressureConfig         `yaml:"backpressure"`
	Status       StatusConfig               `yaml:"status"`
	Journal      JournalConfig              `yaml:"journal"`
	DataDir      string                     `yaml:"data_dir"`
	LogLevel     string                     `yaml:"log_level"`
	LogFormat    string                     `yaml:"log_format"` // text or json
}

// NINAConfig points at the NINA Advanced API.
type NINAConfig struct {
	APIURI  string        `yaml:"api_uri"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Broker    string       `yaml:"broker"` // mqtt://, mqtts://, tcp://, ssl://, ws://, wss://
	Username  string       `yaml:"username"`
	Password  string       `yaml:"password"`
	ClientID  string       `yaml:"client_id"`
	KeepAlive int          `yaml:"keepalive"` // seconds
	Topics    TopicsConfig `yaml:"topics"`
}

// TopicsConfig holds the topic layout. Templates may reference {base}
// and {device}.
type TopicsConfig struct {
	DiscoveryPrefix        string `yaml:"discovery_prefix"`
	BaseTopic              string `yaml:"base_topic"`
	AvailabilityTopic      string `yaml:"availability_topic"`
	CommandTopic           string `yaml:"command_topic"`
	CommandErrorTopic      string `yaml:"command_error_topic"`
	CommandResponseTimeout int    `yaml:"command_response_timeout"` // seconds
}

// DeviceInfoConfig is the Home Assistant device the bridge registers
// its entities under.
type DeviceInfoConfig struct {
	DeviceID     string `yaml:"device_id"`
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
}

// DispatchConfig bounds the worker pool and its upstream call rate.
type DispatchConfig struct {
	MaxCallsPerMinute int           `yaml:"max_calls_per_minute"`
	Workers           int           `yaml:"workers"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// BackpressureConfig tunes queue depth sampling.
type BackpressureConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	BucketSize     time.Duration `yaml:"bucket_size"`
}

// StatusConfig defines the local status and control API.
type StatusConfig struct {
	Enabled        *bool    `yaml:"enabled"` // default true
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// IsEnabled reports whether the status server should run.
func (s StatusConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Addr returns the listen address in host:port form.
func (s StatusConfig) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// JournalConfig controls the SQLite command journal.
type JournalConfig struct {
	Enabled       *bool         `yaml:"enabled"` // default true
	Path          string        `yaml:"path"`    // default {data_dir}/journal.db
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"` // cron spec
}

// IsEnabled reports whether commands and failed tasks are journaled.
func (j JournalConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// Load reads configuration from a YAML file and fills in defaults for
// anything left unset. It does not validate; call [Config.Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		NINA: NINAConfig{
			APIURI:  "http://127.0.0.1:1888/v2/api",
			Timeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:    "mqtt://127.0.0.1:1883",
			ClientID:  "nina_mqtt_bridge",
			KeepAlive: 60,
			Topics: TopicsConfig{
				DiscoveryPrefix:        "homeassistant",
				BaseTopic:              "nina",
				AvailabilityTopic:      "{base}/{device}/availability",
				CommandTopic:           "{base}/{device}/command",
				CommandErrorTopic:      "{base}/{device}/command/error",
				CommandResponseTimeout: 10,
			},
		},
		DeviceInfo: DeviceInfoConfig{
			DeviceID:     "nina_server",
			Name:         "NINA Advanced API",
			Manufacturer: "christian-photo",
			Model:        "NINA Advanced API",
		},
		Dispatch: DispatchConfig{
			MaxCallsPerMinute: 120,
			Workers:           2,
			RetryAttempts:     3,
			RetryInitialDelay: time.Second,
			RetryMaxDelay:     30 * time.Second,
			ShutdownGrace:     15 * time.Second,
		},
		Backpressure: BackpressureConfig{
			SampleInterval: time.Second,
			BucketSize:     time.Minute,
		},
		Status: StatusConfig{
			Address: "127.0.0.1",
			Port:    8089,
		},
		Journal: JournalConfig{
			Retention:     7 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// applyDefaults restores defaults for string and numeric fields that a
// YAML file explicitly blanked out.
func (c *Config) applyDefaults() {
	d := Default()

	if c.NINA.APIURI == "" {
		c.NINA.APIURI = d.NINA.APIURI
	}
	c.NINA.APIURI = strings.TrimRight(c.NINA.APIURI, "/")
	if c.NINA.Timeout == 0 {
		c.NINA.Timeout = d.NINA.Timeout
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = d.MQTT.ClientID
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = d.MQTT.KeepAlive
	}
	t := &c.MQTT.Topics
	if t.DiscoveryPrefix == "" {
		t.DiscoveryPrefix = d.MQTT.Topics.DiscoveryPrefix
	}
	if t.BaseTopic == "" {
		t.BaseTopic = d.MQTT.Topics.BaseTopic
	}
	if t.AvailabilityTopic == "" {
		t.AvailabilityTopic = d.MQTT.Topics.AvailabilityTopic
	}
	if t.CommandTopic == "" {
		t.CommandTopic = d.MQTT.Topics.CommandTopic
	}
	if t.CommandErrorTopic == "" {
		t.CommandErrorTopic = d.MQTT.Topics.CommandErrorTopic
	}
	if t.CommandResponseTimeout == 0 {
		t.CommandResponseTimeout = d.MQTT.Topics.CommandResponseTimeout
	}

	if c.Dispatch.RetryInitialDelay == 0 {
		c.Dispatch.RetryInitialDelay = d.Dispatch.RetryInitialDelay
	}
	if c.Dispatch.RetryMaxDelay == 0 {
		c.Dispatch.RetryMaxDelay = d.Dispatch.RetryMaxDelay
	}
	if c.Dispatch.ShutdownGrace == 0 {
		c.Dispatch.ShutdownGrace = d.Dispatch.ShutdownGrace
	}

	if c.Backpressure.SampleInterval == 0 {
		c.Backpressure.SampleInterval = d.Backpressure.SampleInterval
	}
	if c.Backpressure.BucketSize == 0 {
		c.Backpressure.BucketSize = d.Backpressure.BucketSize
	}

	if c.Journal.Retention == 0 {
		c.Journal.Retention = d.Journal.Retention
	}
	if c.Journal.PruneSchedule == "" {
		c.Journal.PruneSchedule = d.Journal.PruneSchedule
	}
	if c.Journal.Path == "" && c.DataDir != "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.db")
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate checks the configuration for values the bridge cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.NINA.APIURI); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("nina.api_uri %q must be an http or https URL", c.NINA.APIURI))
	}
	if c.NINA.Timeout < 0 {
		errs = append(errs, fmt.Errorf("nina.timeout must not be negative"))
	}

	if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
	} else {
		switch u.Scheme {
		case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q not supported", u.Scheme))
		}
	}
	if c.MQTT.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("mqtt.keepalive must not be negative"))
	}
	if c.MQTT.Topics.CommandResponseTimeout < 0 {
		errs = append(errs, fmt.Errorf("mqtt.topics.command_response_timeout must be positive"))
	}
	if !strings.Contains(c.MQTT.Topics.CommandTopic, "{device}") {
		errs = append(errs, fmt.Errorf("mqtt.topics.command_topic must contain {device}"))
	}

	if _, err := device.Build(c.Devices); err != nil {
		errs = append(errs, fmt.Errorf("devices: %w", err))
	}

	if c.Dispatch.MaxCallsPerMinute < device.MaxCallCost {
		errs = append(errs, fmt.Errorf("dispatch.max_calls_per_minute must be at least %d", device.MaxCallCost))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be at least 1"))
	}
	if c.Dispatch.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("dispatch.retry_attempts must be at least 1"))
	}
	if c.Dispatch.RetryMaxDelay < c.Dispatch.RetryInitialDelay {
		errs = append(errs, fmt.Errorf("dispatch.retry_max_delay must not be shorter than retry_initial_delay"))
	}

	if c.Backpressure.SampleInterval <= 0 || c.Backpressure.SampleInterval > time.Second {
		errs = append(errs, fmt.Errorf("backpressure.sample_interval must be between 0 and 1s"))
	}
	if c.Backpressure.BucketSize < c.Backpressure.SampleInterval {
		errs = append(errs, fmt.Errorf("backpressure.bucket_size must be at least one sample interval"))
	}

	if c.Status.IsEnabled() && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		errs = append(errs, fmt.Errorf("status.port %d out of range", c.Status.Port))
	}

	if c.Journal.IsEnabled() && c.Journal.Path == "" {
		errs = append(errs, fmt.Errorf("journal.path or data_dir is required when the journal is enabled"))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Classes resolves the devices section into the full, immutable class
// list.
func (c *Config) Classes() ([]device.Class, error) {
	return device.Build(c.Devices)
}

// CommandResponseTimeout returns how long a command waits for its
// worker before a timeout response is sent.
func (c *Config) CommandResponseTimeout() time.Duration {
	return time.Duration(c.MQTT.Topics.CommandResponseTimeout) * time.Second
}
