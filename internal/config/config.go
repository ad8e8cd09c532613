// Package config loads engine configuration from defaults, an
// optional YAML file and APRIL_-prefixed environment variables, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"april-stream-engine/internal/events"
	"april-stream-engine/internal/observability/logging"
)

// EnvironmentPrefix is prepended to every env key, e.g.
// APRIL_API_ADDR.
const EnvironmentPrefix = "APRIL_"

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	APIAddr           string `yaml:"api_addr" env:"API_ADDR"`
	ObservabilityAddr string `yaml:"observability_addr" env:"OBSERVABILITY_ADDR"`
}

// ModelConfig selects and tunes the recognition model.
type ModelConfig struct {
	// Path to an APRILMDL container. Empty with the mock backend.
	Path string `yaml:"path" env:"MODEL_PATH"`
	// Backend selects the inference backend. Currently "mock".
	Backend string `yaml:"backend" env:"MODEL_BACKEND"`
	// ForceRealtime suppresses degraded-status reporting.
	ForceRealtime bool `yaml:"force_realtime" env:"MODEL_FORCE_REALTIME"`
	// SpeedIntervalSeconds is the wall interval between real-time
	// factor evaluations, in seconds.
	SpeedIntervalSeconds float64 `yaml:"speed_interval_seconds" env:"MODEL_SPEED_INTERVAL_SECONDS"`
}

// GetSpeedInterval returns the evaluation interval as a duration.
func (c ModelConfig) GetSpeedInterval() time.Duration {
	return time.Duration(c.SpeedIntervalSeconds * float64(time.Second))
}

// EngineConfig tunes per-connection processing.
type EngineConfig struct {
	// AsyncFeed moves session stepping onto a worker goroutine.
	AsyncFeed bool `yaml:"async_feed" env:"ENGINE_ASYNC_FEED"`
	// QueueDepth bounds the async feeder queue, in chunks.
	QueueDepth int `yaml:"queue_depth" env:"ENGINE_QUEUE_DEPTH"`
	// MaxAudioBytes caps audio accepted per connection.
	MaxAudioBytes int64 `yaml:"max_audio_bytes" env:"ENGINE_MAX_AUDIO_BYTES"`
	// MaxStreamSeconds caps connection lifetime, in seconds.
	MaxStreamSeconds int `yaml:"max_stream_seconds" env:"ENGINE_MAX_STREAM_SECONDS"`
}

// GetMaxStreamDuration returns the connection lifetime cap as a
// duration.
func (c EngineConfig) GetMaxStreamDuration() time.Duration {
	return time.Duration(c.MaxStreamSeconds) * time.Second
}

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Model   ModelConfig    `yaml:"model"`
	Engine  EngineConfig   `yaml:"engine"`
	Kafka   events.Config  `yaml:"kafka"`
	Logging logging.Config `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			APIAddr:           ":8080",
			ObservabilityAddr: ":9090",
		},
		Model: ModelConfig{
			Backend:              "mock",
			SpeedIntervalSeconds: 2,
		},
		Engine: EngineConfig{
			AsyncFeed:        true,
			QueueDepth:       32,
			MaxAudioBytes:    64 * 1024 * 1024,
			MaxStreamSeconds: 30 * 60,
		},
		Kafka: events.Config{
			TopicPartial: "session.transcript.partial",
			TopicFinal:   "session.transcript.final",
			Principal:    "april-stream-engine",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (if non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: EnvironmentPrefix,
	}); err != nil {
		return cfg, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.APIAddr == "" {
		return fmt.Errorf("config: server.api_addr is required")
	}
	switch c.Model.Backend {
	case "mock":
	default:
		return fmt.Errorf("config: unknown model backend %q", c.Model.Backend)
	}
	if c.Engine.QueueDepth < 0 {
		return fmt.Errorf("config: engine.queue_depth must be non-negative")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled with no brokers")
	}
	return nil
}
