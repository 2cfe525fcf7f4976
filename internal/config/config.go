// Package config loads the widget's settings from the environment (prefix
// WIDGET, optionally seeded from a .env file) and the bank profile file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/siacasa/widget-sync/internal/backend"
	"github.com/siacasa/widget-sync/internal/chatsync"
	"github.com/siacasa/widget-sync/internal/messaging"
	"github.com/siacasa/widget-sync/internal/realtime"
)

// Prefix is the environment variable prefix.
const Prefix = "WIDGET"

// Identity store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StorePebble = "pebble"
)

// Config represents options given in the environment.
type Config struct {
	APIURL string `envconfig:"API_URL" default:"http://localhost:3200"`
	// Empty disables realtime.
	RealtimeURL string `envconfig:"REALTIME_URL" default:"ws://localhost:3200/ws"`
	// Empty disables unicast.
	NATSURL string `envconfig:"NATS_URL"`

	Store     string `envconfig:"STORE" default:"pebble"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	PebbleDir string `envconfig:"PEBBLE_DIR" default:".widget"`
	Profile   string `envconfig:"PROFILE" default:"default"`
	// Empty disables the transcript archive.
	PostgresDSN string `envconfig:"POSTGRES_DSN"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	PollPolicy   string        `envconfig:"POLL_POLICY" default:"always"`

	ReconnectAttempts    int           `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	ReconnectDelay       time.Duration `envconfig:"RECONNECT_DELAY" default:"1s"`
	HandshakeTimeout     time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"20s"`
	SubscribeUserDelay   time.Duration `envconfig:"SUBSCRIBE_USER_DELAY" default:"300ms"`
	SubscribeTicketDelay time.Duration `envconfig:"SUBSCRIBE_TICKET_DELAY" default:"500ms"`
	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"25s"`
	HeartbeatTimeout     time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"20s"`

	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"15m"`
	BeaconTimeout time.Duration `envconfig:"BEACON_TIMEOUT" default:"5s"`
	HTTPTimeout   time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	// SendLimit 0 disables the throttle.
	SendLimit  int           `envconfig:"SEND_LIMIT" default:"5"`
	SendWindow time.Duration `envconfig:"SEND_WINDOW" default:"10s"`

	// Empty disables /metrics.
	MetricsAddr string `envconfig:"METRICS_ADDR"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	BanksFile   string `envconfig:"BANKS_FILE"`
	Host        string `envconfig:"HOST" default:"localhost"`
}

// Load reads envFile (when it exists) into the process environment without
// overriding variables that are already set, then processes WIDGET_*
// variables.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("config: reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, fmt.Errorf("%s_API_URL must be configured", Prefix))
	}
	switch c.Store {
	case StoreMemory, StoreRedis, StorePebble:
	default:
		errs = append(errs, fmt.Errorf("%s_STORE must be one of memory, redis, pebble (got %q)", Prefix, c.Store))
	}
	switch chatsync.PollPolicy(c.PollPolicy) {
	case chatsync.PollAlways, chatsync.PollDisconnected:
	default:
		errs = append(errs, fmt.Errorf("%s_POLL_POLICY must be always or disconnected (got %q)", Prefix, c.PollPolicy))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s_POLL_INTERVAL must be positive", Prefix))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s_RECONNECT_ATTEMPTS must not be negative", Prefix))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%s_LOG_LEVEL: %w", Prefix, err)
	}
	return level, nil
}

// Backend returns the HTTP client settings.
func (c *Config) Backend() backend.Config {
	return backend.Config{
		BaseURL:   c.APIURL,
		Endpoints: backend.DefaultEndpoints(),
		Timeout:   c.HTTPTimeout,
	}
}

// Realtime returns the WebSocket client settings.
func (c *Config) Realtime() realtime.Config {
	cfg := realtime.DefaultConfig()
	cfg.URL = c.RealtimeURL
	cfg.HandshakeTimeout = c.HandshakeTimeout
	cfg.ReconnectAttempts = c.ReconnectAttempts
	cfg.ReconnectDelay = c.ReconnectDelay
	cfg.PingInterval = c.HeartbeatInterval
	cfg.PongTimeout = c.HeartbeatTimeout
	return cfg
}

// NATS returns the unicast connection settings.
func (c *Config) NATS() messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	return cfg
}

// Sync returns the reconciliation client settings. bankCode comes from the
// bank profiles.
func (c *Config) Sync(bankCode string) chatsync.Config {
	cfg := chatsync.DefaultConfig()
	cfg.PollInterval = c.PollInterval
	cfg.PollPolicy = chatsync.PollPolicy(c.PollPolicy)
	cfg.SubscribeUserDelay = c.SubscribeUserDelay
	cfg.SubscribeTicketDelay = c.SubscribeTicketDelay
	cfg.IdleTimeout = c.IdleTimeout
	cfg.BeaconTimeout = c.BeaconTimeout
	cfg.SendTimeout = c.HTTPTimeout
	cfg.BankCode = bankCode
	return cfg
}
