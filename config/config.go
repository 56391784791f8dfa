package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Transport names accepted in Config.Transports.
const (
	TransportWebSocket    = "websocket"
	TransportXHRPolling   = "xhr-polling"
	TransportJSONPPolling = "jsonp-polling"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")

	knownTransports = []string{TransportWebSocket, TransportXHRPolling, TransportJSONPPolling}
)

// Config is the root server configuration. Treat it as immutable once the
// server has been built from it.
type Config struct {
	// Addr is the HTTP listen address
	Addr string `mapstructure:"addr"`

	// Resource is the path prefix every protocol route lives under
	Resource string `mapstructure:"resource"`
	// Protocol is the only protocol revision accepted in request paths
	Protocol int `mapstructure:"protocol"`

	Heartbeats        bool          `mapstructure:"heartbeats"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	PollingDuration   time.Duration `mapstructure:"polling_duration"`

	// DestroyBufferSize caps a POST body or a buffered WebSocket message, in bytes
	DestroyBufferSize int64 `mapstructure:"destroy_buffer_size"`

	HandshakeExpiration   time.Duration `mapstructure:"handshake_expiration"`
	HandshakeGCInterval   time.Duration `mapstructure:"gc_interval"`
	ClientStoreExpiration time.Duration `mapstructure:"client_store_expiration"`

	// Origins is the allow-list of host:port patterns, "*" matching any part
	Origins []string `mapstructure:"origins"`
	// Transports lists the enabled transports in preference order
	Transports []string `mapstructure:"transports"`
	// Blacklist holds event names clients may not emit
	Blacklist []string `mapstructure:"blacklist"`

	Store StoreConfig `mapstructure:"store"`
	Log   LogConfig   `mapstructure:"log"`
	Ngrok NgrokConfig `mapstructure:"ngrok"`
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	// Backend: memory or redis
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the distributed store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	// Codec: json or cbor
	Codec string `mapstructure:"codec"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NgrokConfig controls the optional public tunnel.
type NgrokConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Domain    string `mapstructure:"domain"`
	AuthToken string `mapstructure:"authtoken"`
}

// Default returns a Config populated with the protocol defaults.
func Default() *Config {
	return &Config{
		Addr:                  ":8080",
		Resource:              "/socket.io",
		Protocol:              1,
		Heartbeats:            true,
		HeartbeatInterval:     25 * time.Second,
		HeartbeatTimeout:      60 * time.Second,
		CloseTimeout:          60 * time.Second,
		PollingDuration:       20 * time.Second,
		DestroyBufferSize:     100_000_000,
		HandshakeExpiration:   30 * time.Second,
		HandshakeGCInterval:   10 * time.Second,
		ClientStoreExpiration: 15 * time.Second,
		Origins:               []string{"*:*"},
		Transports:            []string{TransportWebSocket, TransportXHRPolling},
		Blacklist:             []string{"disconnect"},
		Store: StoreConfig{
			Backend: StoreMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "sio",
				Codec:  "json",
			},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/sioserver.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path when non-empty, otherwise from
// sioserver.{yaml,toml,json} in the usual locations when present. Environment
// variables override both, using the SIO prefix with "." replaced by "_":
//
//	SIO_HEARTBEAT_TIMEOUT=30s SIO_STORE_BACKEND=redis
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("SIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("SIO_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sioserver")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sioserver"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed every key so env-only configs work
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("resource", cfg.Resource)
	v.SetDefault("protocol", cfg.Protocol)
	v.SetDefault("heartbeats", cfg.Heartbeats)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("heartbeat_timeout", cfg.HeartbeatTimeout)
	v.SetDefault("close_timeout", cfg.CloseTimeout)
	v.SetDefault("polling_duration", cfg.PollingDuration)
	v.SetDefault("destroy_buffer_size", cfg.DestroyBufferSize)
	v.SetDefault("handshake_expiration", cfg.HandshakeExpiration)
	v.SetDefault("gc_interval", cfg.HandshakeGCInterval)
	v.SetDefault("client_store_expiration", cfg.ClientStoreExpiration)
	v.SetDefault("origins", cfg.Origins)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("blacklist", cfg.Blacklist)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.redis.addr", cfg.Store.Redis.Addr)
	v.SetDefault("store.redis.password", cfg.Store.Redis.Password)
	v.SetDefault("store.redis.db", cfg.Store.Redis.DB)
	v.SetDefault("store.redis.prefix", cfg.Store.Redis.Prefix)
	v.SetDefault("store.redis.codec", cfg.Store.Redis.Codec)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("ngrok.enabled", cfg.Ngrok.Enabled)
	v.SetDefault("ngrok.domain", cfg.Ngrok.Domain)
	v.SetDefault("ngrok.authtoken", cfg.Ngrok.AuthToken)
}

// Validate normalizes c in place and reports every problem found.
func (c *Config) Validate() error {
	var err error

	positive := map[string]time.Duration{
		"heartbeat_interval":      c.HeartbeatInterval,
		"heartbeat_timeout":       c.HeartbeatTimeout,
		"close_timeout":           c.CloseTimeout,
		"polling_duration":        c.PollingDuration,
		"handshake_expiration":    c.HandshakeExpiration,
		"gc_interval":             c.HandshakeGCInterval,
		"client_store_expiration": c.ClientStoreExpiration,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			err = multierr.Append(err, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name))
		}
	}
	if c.Heartbeats && c.HeartbeatInterval >= c.HeartbeatTimeout {
		err = multierr.Append(err, fmt.Errorf("%w: heartbeat_interval must be shorter than heartbeat_timeout", ErrInvalidConfig))
	}
	if c.DestroyBufferSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: destroy_buffer_size must be positive", ErrInvalidConfig))
	}
	if c.Protocol <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: protocol must be positive", ErrInvalidConfig))
	}

	c.Resource = "/" + strings.Trim(c.Resource, "/")
	if c.Resource == "/" {
		err = multierr.Append(err, fmt.Errorf("%w: resource must not be empty", ErrInvalidConfig))
	}

	if len(c.Transports) == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: at least one transport is required", ErrInvalidConfig))
	}
	for i, t := range c.Transports {
		t = strings.ToLower(strings.TrimSpace(t))
		c.Transports[i] = t
		if !slices.Contains(knownTransports, t) {
			err = multierr.Append(err, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, t))
		}
	}
	if len(c.Origins) == 0 {
		c.Origins = []string{"*:*"}
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	default:
		err = multierr.Append(err, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend))
	}
	switch strings.ToLower(c.Store.Redis.Codec) {
	case "", "json", "cbor":
	default:
		err = multierr.Append(err, fmt.Errorf("%w: unknown store codec %q", ErrInvalidConfig, c.Store.Redis.Codec))
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("%w: invalid log.level %q", ErrInvalidConfig, c.Log.Level))
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return err
}

// TransportEnabled reports whether name is listed in c.Transports.
func (c *Config) TransportEnabled(name string) bool {
	return slices.Contains(c.Transports, name)
}
