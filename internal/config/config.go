// Package config loads huddle settings in three layers: built-in defaults,
// an optional YAML file and HUDDLE_* environment variables, later layers
// winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"huddle/internal/cache"
	"huddle/internal/database"
	"huddle/internal/envelope"
	"huddle/internal/logging"
	"huddle/internal/offline"
	"huddle/internal/presence"
	"huddle/internal/router"
	"huddle/internal/session"
	"huddle/internal/websocket"
	dbconfig "huddle/pkg/database"
)

const (
	// EnvPrefix starts every environment override. A double underscore
	// separates nesting levels: HUDDLE_HTTP__PORT sets http.port.
	EnvPrefix = "HUDDLE_"
	// ConfigFileEnvVar names the optional YAML file.
	ConfigFileEnvVar = "HUDDLE_CONFIG_FILE"
)

// Config is the complete process configuration.
type Config struct {
	HTTP       HTTPConfig               `koanf:"http"`
	Database   dbconfig.Config          `koanf:"database"`
	Breaker    database.BreakerSettings `koanf:"breaker"`
	WebSocket  websocket.Config         `koanf:"websocket"`
	Chat       ChatConfig               `koanf:"chat"`
	Encryption EncryptionConfig         `koanf:"encryption"`
	RateLimits RateLimitsConfig         `koanf:"rate_limits"`
	Logging    LoggingConfig            `koanf:"logging"`
}

type HTTPConfig struct {
	Host string `koanf:"host"`
	// Port 0 binds a free port.
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port for net/http.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ChatConfig holds the engine's behavioural knobs.
type ChatConfig struct {
	MaxMessageLength int           `koanf:"max_message_length"`
	PageSize         int           `koanf:"page_size"`
	SearchLimit      int           `koanf:"search_limit"`
	SystemMessages   bool          `koanf:"system_messages"`
	CacheCapacity    int           `koanf:"cache_capacity"`
	TypingTimeout    time.Duration `koanf:"typing_timeout"`
	AwayAfter        time.Duration `koanf:"away_after"`
	ReadRetention    time.Duration `koanf:"read_retention"`
	OfflineTTL       time.Duration `koanf:"offline_ttl"`
	OfflineMax       int           `koanf:"offline_max"`
	TombstoneTTL     time.Duration `koanf:"tombstone_ttl"`
	// Admins lists connection ids that get the global admin role.
	Admins []string `koanf:"admins"`
	// SweepInterval is how often idle rate buckets, tombstones and expired
	// offline entries are dropped.
	SweepInterval time.Duration `koanf:"sweep_interval"`
	BucketIdle    time.Duration `koanf:"bucket_idle"`
}

type EncryptionConfig struct {
	KDFIterations int `koanf:"kdf_iterations"`
}

// LimitConfig is one operation's budgets. Zero tokens leave a scope unlimited.
type LimitConfig struct {
	GlobalTokens     int           `koanf:"global_tokens"`
	GlobalInterval   time.Duration `koanf:"global_interval"`
	IdentityTokens   int           `koanf:"identity_tokens"`
	IdentityInterval time.Duration `koanf:"identity_interval"`
}

func (l LimitConfig) limits() router.Limits {
	return router.Limits{
		Global:      router.Budget{Tokens: l.GlobalTokens, Interval: l.GlobalInterval},
		PerIdentity: router.Budget{Tokens: l.IdentityTokens, Interval: l.IdentityInterval},
	}
}

type RateLimitsConfig struct {
	Message  LimitConfig `koanf:"message"`
	Upload   LimitConfig `koanf:"upload"`
	Reaction LimitConfig `koanf:"reaction"`
	Search   LimitConfig `koanf:"search"`
}

// Limits converts the section into the limiter's table.
func (r RateLimitsConfig) Limits() map[router.Operation]router.Limits {
	return map[router.Operation]router.Limits{
		router.OpMessage:  r.Message.limits(),
		router.OpUpload:   r.Upload.limits(),
		router.OpReaction: r.Reaction.limits(),
		router.OpSearch:   r.Search.limits(),
	}
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Logging returns the logger settings.
func (l LoggingConfig) Logging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, Caller: l.Caller}
}

func fromRouter(l router.Limits) LimitConfig {
	return LimitConfig{
		GlobalTokens:     l.Global.Tokens,
		GlobalInterval:   l.Global.Interval,
		IdentityTokens:   l.PerIdentity.Tokens,
		IdentityInterval: l.PerIdentity.Interval,
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	rc := router.DefaultConfig()
	limits := router.DefaultLimits()
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database:  *dbconfig.DefaultConfig(),
		Breaker:   database.DefaultBreakerSettings(),
		WebSocket: websocket.DefaultConfig(),
		Chat: ChatConfig{
			MaxMessageLength: rc.MaxMessageLength,
			PageSize:         rc.PageSize,
			SearchLimit:      rc.SearchLimit,
			SystemMessages:   rc.SystemMessages,
			CacheCapacity:    cache.DefaultGroupCapacity,
			TypingTimeout:    presence.DefaultTypingTimeout,
			AwayAfter:        presence.DefaultAwayAfter,
			ReadRetention:    presence.DefaultReadRetention,
			OfflineTTL:       offline.DefaultTTL,
			OfflineMax:       offline.DefaultMaxPerRecipient,
			TombstoneTTL:     session.DefaultTombstoneTTL,
			SweepInterval:    time.Minute,
			BucketIdle:       10 * time.Minute,
		},
		Encryption: EncryptionConfig{KDFIterations: envelope.DefaultIterations},
		RateLimits: RateLimitsConfig{
			Message:  fromRouter(limits[router.OpMessage]),
			Upload:   fromRouter(limits[router.OpUpload]),
			Reaction: fromRouter(limits[router.OpReaction]),
			Search:   fromRouter(limits[router.OpSearch]),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the file named by
// HUDDLE_CONFIG_FILE (if set) and the environment, then validates it.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnvVar))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps HUDDLE_RATE_LIMITS__MESSAGE__GLOBAL_TOKENS to
// rate_limits.message.global_tokens. The config file variable is not a setting.
func envKey(key string) string {
	if key == ConfigFileEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// listPaths are the slice settings an environment variable sets as a
// comma-separated string.
var listPaths = []string{"chat.admins", "websocket.allowed_origins"}

func splitLists(k *koanf.Koanf) error {
	for _, path := range listPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		items := []string{}
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate rejects settings the process cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, errors.New("http.port must be between 0 and 65535"))
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		errs = append(errs, errors.New("http timeouts must be positive"))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		errs = append(errs, errors.New("breaker.consecutive_failures must be at least 1"))
	}
	if c.WebSocket.PingInterval > 0 && c.WebSocket.PongWait > 0 && c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("websocket.ping_interval must be shorter than websocket.pong_wait"))
	}

	ch := c.Chat
	if ch.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("chat.max_message_length must be positive"))
	}
	if ch.PageSize <= 0 || ch.SearchLimit <= 0 {
		errs = append(errs, errors.New("chat.page_size and chat.search_limit must be positive"))
	}
	if ch.CacheCapacity <= 0 {
		errs = append(errs, errors.New("chat.cache_capacity must be positive"))
	}
	if ch.OfflineMax <= 0 || ch.OfflineTTL <= 0 {
		errs = append(errs, errors.New("chat.offline_max and chat.offline_ttl must be positive"))
	}
	if ch.TypingTimeout <= 0 || ch.AwayAfter <= 0 {
		errs = append(errs, errors.New("chat.typing_timeout and chat.away_after must be positive"))
	}
	if ch.SweepInterval <= 0 {
		errs = append(errs, errors.New("chat.sweep_interval must be positive"))
	}
	if c.Encryption.KDFIterations < 1000 {
		errs = append(errs, errors.New("encryption.kdf_iterations must be at least 1000"))
	}
	for name, l := range map[string]LimitConfig{
		"message": c.RateLimits.Message, "upload": c.RateLimits.Upload,
		"reaction": c.RateLimits.Reaction, "search": c.RateLimits.Search,
	} {
		if l.GlobalTokens < 0 || l.IdentityTokens < 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s tokens cannot be negative", name))
		}
		if (l.GlobalTokens > 0 && l.GlobalInterval <= 0) || (l.IdentityTokens > 0 && l.IdentityInterval <= 0) {
			errs = append(errs, fmt.Errorf("rate_limits.%s needs a positive interval for each budget", name))
		}
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is not recognised", c.Logging.Level))
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "console" {
		errs = append(errs, errors.New("logging.format must be json or console"))
	}
	return errors.Join(errs...)
}
