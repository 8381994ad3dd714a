// Package config loads framerelay settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/framerelay/internal/distribution"
	"github.com/zsiec/framerelay/internal/ingest"
	"github.com/zsiec/framerelay/internal/pipeline"
	"github.com/zsiec/framerelay/internal/queue"
)

// Config is the full process configuration.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RelayConfig sets per-room relay behaviour.
type RelayConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	TargetFPS     int           `yaml:"target_fps"`
	MaxAge        time.Duration `yaml:"max_age"`
	DefaultRoom   string        `yaml:"default_room"`
	MaxRooms      int           `yaml:"max_rooms"`
}

// ServerConfig sets listen addresses. An empty address disables the
// listener, except HTTPAddr which is required.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	QUICAddr string `yaml:"quic_addr"`
	H3Addr   string `yaml:"h3_addr"`
	SRTAddr  string `yaml:"srt_addr"`
}

// TelemetryConfig sets the stats reporter.
type TelemetryConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MQTTBroker string        `yaml:"mqtt_broker"`
	MQTTTopic  string        `yaml:"mqtt_topic"`
}

// UnmarshalYAML accepts max_age in any form parseDuration does.
func (r *RelayConfig) UnmarshalYAML(n *yaml.Node) error {
	if err := normalizeDurations(n, "max_age"); err != nil {
		return err
	}
	type plain RelayConfig
	return n.Decode((*plain)(r))
}

// UnmarshalYAML accepts interval in any form parseDuration does.
func (t *TelemetryConfig) UnmarshalYAML(n *yaml.Node) error {
	if err := normalizeDurations(n, "interval"); err != nil {
		return err
	}
	type plain TelemetryConfig
	return n.Decode((*plain)(t))
}

// normalizeDurations rewrites the scalar values of the named keys in a
// mapping node to Go duration syntax, so a bare integer means
// milliseconds in YAML as it does in the environment.
func normalizeDurations(n *yaml.Node, keys ...string) error {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if v.Kind != yaml.ScalarNode || v.ShortTag() == "!!null" || !slices.Contains(keys, k.Value) {
			continue
		}
		d, err := parseDuration(v.Value)
		if err != nil {
			return fmt.Errorf("line %d: %s: %w", v.Line, k.Value, err)
		}
		v.Value, v.Tag, v.Style = d.String(), "!!str", 0
	}
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			QueueCapacity: queue.DefaultCapacity,
			TargetFPS:     pipeline.DefaultFPS,
			MaxAge:        ingest.DefaultMaxAge,
			DefaultRoom:   distribution.DefaultRoom,
			MaxRooms:      64,
		},
		Server: ServerConfig{
			HTTPAddr: ":3000",
			QUICAddr: ":4443",
		},
		Telemetry: TelemetryConfig{
			Interval:  time.Second,
			MQTTTopic: "framerelay",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables that are set.
func (c *Config) applyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	c.Relay.DefaultRoom = envOr("DEFAULT_ROOM", c.Relay.DefaultRoom)
	c.Server.HTTPAddr = envOr("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.QUICAddr = envOr("QUIC_ADDR", c.Server.QUICAddr)
	c.Server.H3Addr = envOr("H3_ADDR", c.Server.H3Addr)
	c.Server.SRTAddr = envOr("SRT_ADDR", c.Server.SRTAddr)
	c.Telemetry.MQTTBroker = envOr("MQTT_BROKER", c.Telemetry.MQTTBroker)
	c.Telemetry.MQTTTopic = envOr("MQTT_TOPIC", c.Telemetry.MQTTTopic)

	ints := []struct {
		key string
		dst *int
	}{
		{"QUEUE_CAPACITY", &c.Relay.QueueCapacity},
		{"TARGET_FPS", &c.Relay.TargetFPS},
		{"MAX_ROOMS", &c.Relay.MaxRooms},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MAX_AGE", &c.Relay.MaxAge},
		{"STATS_INTERVAL", &c.Telemetry.Interval},
	}
	for _, e := range durations {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = d
	}
	return nil
}

// parseDuration accepts Go duration syntax or a bare integer in
// milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Relay.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("relay.queue_capacity must be at least 1, got %d", c.Relay.QueueCapacity))
	}
	if c.Relay.TargetFPS < 1 || c.Relay.TargetFPS > 1000 {
		errs = append(errs, fmt.Errorf("relay.target_fps must be in [1, 1000], got %d", c.Relay.TargetFPS))
	}
	if c.Relay.MaxAge < time.Millisecond {
		errs = append(errs, fmt.Errorf("relay.max_age must be at least 1ms, got %v", c.Relay.MaxAge))
	}
	if c.Relay.MaxRooms < 0 {
		errs = append(errs, fmt.Errorf("relay.max_rooms must not be negative, got %d", c.Relay.MaxRooms))
	}
	if !distribution.ValidRoomKey(c.Relay.DefaultRoom) {
		errs = append(errs, fmt.Errorf("relay.default_room %q is not a valid room key", c.Relay.DefaultRoom))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Telemetry.Interval < 0 {
		errs = append(errs, fmt.Errorf("telemetry.interval must not be negative, got %v", c.Telemetry.Interval))
	}
	if c.Telemetry.MQTTBroker != "" && c.Telemetry.MQTTTopic == "" {
		errs = append(errs, errors.New("telemetry.mqtt_topic is required with mqtt_broker"))
	}
	return errors.Join(errs...)
}
