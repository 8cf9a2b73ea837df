// Package config loads runtime configuration for the streaming hub from
// environment variables and an optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the streaming hub.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network-level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// BackendConfig selects and configures the backend adapter.
type BackendConfig struct {
	// Kind is "redis" or "nats".
	Kind string `mapstructure:"kind"`

	RedisURL string `mapstructure:"redis_url"`

	NATSURL          string        `mapstructure:"nats_url"`
	NATSKVBucket     string        `mapstructure:"nats_kv_bucket"`
	NATSMaxReconnect int           `mapstructure:"nats_max_reconnect"`
	NATSReconnectWait time.Duration `mapstructure:"nats_reconnect_wait"`

	// TTL is how long a committed frame remains readable.
	TTL time.Duration `mapstructure:"ttl"`
}

// LimitsConfig holds the request-size, rate, and admission limits enforced
// at the transport boundary.
type LimitsConfig struct {
	MaxPayloadSize         int64         `mapstructure:"max_payload_size"`
	MaxHeaderSize          int           `mapstructure:"max_header_size"`
	MaxWebsocketFrameSize  int           `mapstructure:"max_websocket_frame_size"`
	MaxAppendsPerSecond    float64       `mapstructure:"max_appends_per_second"`
	MaxSubscribersPerSecond float64      `mapstructure:"max_subscribers_per_second"`
	ListenerTeardownWait   time.Duration `mapstructure:"listener_teardown_wait"`
	LivePollInterval       time.Duration `mapstructure:"live_poll_interval"`

	// MaxConnections caps concurrent subscriber connections; 0 disables the
	// ceiling. CPURejectPercent is the measured-CPU brake above which new
	// subscriber connections are refused; 0 disables it.
	MaxConnections   int     `mapstructure:"max_connections"`
	CPURejectPercent float64 `mapstructure:"cpu_reject_percent"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding. SamplingInitial and
// SamplingThereafter are ignored in Development mode, where every log line
// is kept.
type LoggingConfig struct {
	Level              string `mapstructure:"level"`
	Development        bool   `mapstructure:"development"`
	SamplingInitial    int    `mapstructure:"sampling_initial"`
	SamplingThereafter int    `mapstructure:"sampling_thereafter"`
}

// Load reads configuration from environment variables and an optional file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("backend.kind", "redis")
	v.SetDefault("backend.redis_url", "redis://localhost:6379/0")
	v.SetDefault("backend.nats_url", "nats://localhost:4222")
	v.SetDefault("backend.nats_kv_bucket", "streamhub")
	v.SetDefault("backend.nats_max_reconnect", 10)
	v.SetDefault("backend.nats_reconnect_wait", 2*time.Second)
	v.SetDefault("backend.ttl", 60*time.Minute)

	v.SetDefault("limits.max_payload_size", 16<<20)
	v.SetDefault("limits.max_header_size", 8<<10)
	v.SetDefault("limits.max_websocket_frame_size", 1<<20)
	v.SetDefault("limits.max_appends_per_second", 0.0)
	v.SetDefault("limits.max_subscribers_per_second", 0.0)
	v.SetDefault("limits.listener_teardown_wait", 2*time.Second)
	v.SetDefault("limits.live_poll_interval", 1*time.Second)
	v.SetDefault("limits.max_connections", 0)
	v.SetDefault("limits.cpu_reject_percent", 0.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.sampling_initial", 100)
	v.SetDefault("logging.sampling_thereafter", 100)

	v.SetConfigName("streamhub")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("STREAMHUB")
	v.AutomaticEnv()

	// Config file is optional; a missing file is not an error.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Backend.Kind != "redis" && cfg.Backend.Kind != "nats" {
		return Config{}, fmt.Errorf("backend.kind must be %q or %q, got %q", "redis", "nats", cfg.Backend.Kind)
	}

	return cfg, nil
}
