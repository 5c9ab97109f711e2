// Package config loads the broker's immutable startup configuration. The
// core itself never reads a config file; Session, Dispatcher and Listener
// each take the sub-fields they need as constructor arguments, the way the
// teacher's MQTT config layer is consumed by its server package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration, loaded once at startup.
type Config struct {
	Mqtt    Mqtt    `yaml:"mqtt"`
	Listen  Listen  `yaml:"listen"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

// Mqtt carries the protocol-level tunables the Session and Dispatcher
// consult during the connect handshake and delivery loop.
type Mqtt struct {
	SessionExpiry              time.Duration `yaml:"session_expiry"`
	SessionExpiryCheckInterval time.Duration `yaml:"session_expiry_check_interval"`
	MessageExpiry              time.Duration `yaml:"message_expiry"`
	InflightExpiry             time.Duration `yaml:"inflight_expiry"`
	MaxPacketSize              uint32        `yaml:"max_packet_size"`
	ReceiveMax                 uint16        `yaml:"receive_maximum"`
	MaxKeepAlive               uint16        `yaml:"max_keepalive"`
	TopicAliasMax              uint16        `yaml:"topic_alias_maximum"`
	MaxQueueMessages           int           `yaml:"max_queue_messages"`
	MaxInflight                uint16        `yaml:"max_inflight"`
	MaximumQoS                 uint8         `yaml:"maximum_qos"`
	QueueQoS0Messages          bool          `yaml:"queue_qos0_messages"`
	AllowZeroLengthClientID    bool          `yaml:"allow_zero_len_client_id"`
	RetainAvailable            bool          `yaml:"retain_available"`
	WildcardSubAvailable       bool          `yaml:"wildcard_subscription_available"`
	SharedSubAvailable         bool          `yaml:"shared_subscription_available"`
	SubscriptionIDAvailable    bool          `yaml:"subscription_identifier_available"`
}

// Listen configures the transports the broker binds to. Any address left
// empty disables that transport.
type Listen struct {
	TCP       string `yaml:"tcp"`
	TLS       string `yaml:"tls"`
	WebSocket string `yaml:"websocket"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

// Storage selects the session/retained-message persistence backend.
type Storage struct {
	// Backend is one of "memory", "pebble", "redis".
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`      // pebble data directory
	Addr     string `yaml:"addr"`      // redis address
	Password string `yaml:"password"`  // redis auth
	DB       int    `yaml:"db"`        // redis db index
}

// Logging selects the logging backend and its parameters.
type Logging struct {
	// Backend is one of "slog" (default) or "zap".
	Backend    string `yaml:"backend"`
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Metrics configures the Prometheus emitter.
type Metrics struct {
	Enabled     bool   `yaml:"enabled"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns a Config with sane standalone-broker defaults.
func Default() *Config {
	return &Config{
		Mqtt: Mqtt{
			SessionExpiry:              1 * time.Hour,
			SessionExpiryCheckInterval: 1 * time.Minute,
			MessageExpiry:              24 * time.Hour,
			InflightExpiry:             30 * time.Second,
			MaxPacketSize:              268435455,
			ReceiveMax:                 65535,
			MaxKeepAlive:               3600,
			TopicAliasMax:              0,
			MaxQueueMessages:           1000,
			MaxInflight:                20,
			MaximumQoS:                 2,
			RetainAvailable:            true,
			WildcardSubAvailable:       true,
			SharedSubAvailable:         true,
			SubscriptionIDAvailable:    true,
		},
		Listen: Listen{
			TCP: ":1883",
		},
		Storage: Storage{
			Backend: "memory",
		},
		Logging: Logging{
			Backend: "slog",
			Level:   "info",
		},
		Metrics: Metrics{
			Enabled:     false,
			ListenAddr:  ":9090",
			MetricsPath: "/metrics",
		},
	}
}

// Load reads and parses a YAML config file, applying it on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
// The broker must not start if this returns an error.
func (c *Config) Validate() error {
	if c.Mqtt.MaxInflight > 0 && c.Mqtt.MaxQueueMessages > 0 && int(c.Mqtt.MaxInflight) > c.Mqtt.MaxQueueMessages {
		return fmt.Errorf("mqtt.max_inflight (%d) must be <= mqtt.max_queue_messages (%d)", c.Mqtt.MaxInflight, c.Mqtt.MaxQueueMessages)
	}
	if c.Mqtt.MaximumQoS > 2 {
		return fmt.Errorf("mqtt.maximum_qos must be 0, 1 or 2, got %d", c.Mqtt.MaximumQoS)
	}
	if c.Listen.TCP == "" && c.Listen.TLS == "" && c.Listen.WebSocket == "" {
		return fmt.Errorf("listen: at least one of tcp, tls, websocket must be configured")
	}
	if c.Listen.TLS != "" && (c.Listen.CertFile == "" || c.Listen.KeyFile == "") {
		return fmt.Errorf("listen.tls requires cert_file and key_file")
	}
	switch c.Storage.Backend {
	case "memory", "pebble", "redis":
	default:
		return fmt.Errorf("storage.backend must be memory, pebble or redis, got %q", c.Storage.Backend)
	}
	switch c.Logging.Backend {
	case "slog", "zap":
	default:
		return fmt.Errorf("logging.backend must be slog or zap, got %q", c.Logging.Backend)
	}
	return nil
}
