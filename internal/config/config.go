// Package config loads and validates runtime configuration for both servers.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DOUBAO_BASE_URL becomes
// doubao_base_url in YAML.
//
// Redis is optional. CACHE_MODE=memory keeps derived credential material in
// process, and RPM limiting falls back to a local window without REDIS_URL.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the gateway listen port. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Redis holds the connection URL shared by the cache and the rate limiter.
	Redis RedisConfig

	// Cache controls the credential material cache.
	Cache CacheConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string

	// RequestTimeout bounds buffered upstream calls made for one request.
	// Media generation and streamed replies are exempt. 0 disables it.
	// Default: 90s.
	RequestTimeout time.Duration

	Doubao  DoubaoConfig
	Gateway GatewayConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls where derived credential material is kept.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis" : shared across replicas (requires REDIS_URL)
	//   "memory": in-process TTL cache
	//   "none"  : derive on every request
	// Default: "memory".
	Mode string

	// TTL is how long derived material is kept. Default: 30m.
	TTL time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum chat requests per minute. 0 disables limiting.
	RPMLimit int
}

// DoubaoConfig configures the Doubao adapter.
type DoubaoConfig struct {
	// Port is the adapter listen port. Default: 8000.
	Port int

	// SessionFile is the JSON session pool. Default: session.json.
	SessionFile string

	// BaseURL is the upstream web origin. Default: https://www.doubao.com.
	BaseURL string

	// Endpoint selects the chat endpoint and with it the wire protocol:
	// /chat/completion (block protocol) or /samantha/chat/completion.
	Endpoint string

	ChatTimeout    time.Duration
	ControlTimeout time.Duration

	// DeleteAfterReply removes each conversation upstream once answered.
	DeleteAfterReply bool

	// AllowClientCredentials lets /v1/chat/completions callers pass their
	// own sessionid or cookie as a bearer token.
	AllowClientCredentials bool
}

// GatewayConfig configures the model-routing gateway.
type GatewayConfig struct {
	ConfigFile        string
	DefaultConfigFile string

	ChatTimeout  time.Duration
	MediaTimeout time.Duration
	ProbeTimeout time.Duration

	// CredentialCooldown is how long a rejected credential is skipped.
	CredentialCooldown time.Duration

	// MediaOnlyServices and MediaOnlyPatterns name services that refuse chat.
	MediaOnlyServices []string
	MediaOnlyPatterns []string

	CircuitBreaker CircuitBreakerConfig

	// HealthInterval is the background probe period. 0 disables the loop.
	HealthInterval time.Duration
}

// CircuitBreakerConfig controls per-service circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors inside TimeWindow that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	cfg := build(v)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "30m")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("REQUEST_TIMEOUT", "90s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("DOUBAO_PORT", 8000)
	v.SetDefault("SESSION_FILE", "session.json")
	v.SetDefault("DOUBAO_BASE_URL", "https://www.doubao.com")
	v.SetDefault("DOUBAO_ENDPOINT", "/chat/completion")
	v.SetDefault("DOUBAO_CHAT_TIMEOUT", "300s")
	v.SetDefault("DOUBAO_CONTROL_TIMEOUT", "15s")
	v.SetDefault("DELETE_AFTER_REPLY", false)
	v.SetDefault("ALLOW_CLIENT_CREDENTIALS", true)

	v.SetDefault("GATEWAY_CONFIG_FILE", "config.json")
	v.SetDefault("GATEWAY_DEFAULT_CONFIG_FILE", "config.default.json")
	v.SetDefault("UPSTREAM_CHAT_TIMEOUT", "120s")
	v.SetDefault("UPSTREAM_MEDIA_TIMEOUT", "1800s")
	v.SetDefault("PROBE_TIMEOUT", "10s")
	v.SetDefault("CREDENTIAL_COOLDOWN", "10m")
	v.SetDefault("MEDIA_ONLY_SERVICES", []string{"jimeng"})
	v.SetDefault("MEDIA_ONLY_PATTERNS", []string{})
	v.SetDefault("HEALTH_INTERVAL", "60s")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")
}

func build(v *viper.Viper) *Config {
	return &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),

		Doubao: DoubaoConfig{
			Port:                   v.GetInt("DOUBAO_PORT"),
			SessionFile:            v.GetString("SESSION_FILE"),
			BaseURL:                strings.TrimRight(v.GetString("DOUBAO_BASE_URL"), "/"),
			Endpoint:               v.GetString("DOUBAO_ENDPOINT"),
			ChatTimeout:            v.GetDuration("DOUBAO_CHAT_TIMEOUT"),
			ControlTimeout:         v.GetDuration("DOUBAO_CONTROL_TIMEOUT"),
			DeleteAfterReply:       v.GetBool("DELETE_AFTER_REPLY"),
			AllowClientCredentials: v.GetBool("ALLOW_CLIENT_CREDENTIALS"),
		},

		Gateway: GatewayConfig{
			ConfigFile:         v.GetString("GATEWAY_CONFIG_FILE"),
			DefaultConfigFile:  v.GetString("GATEWAY_DEFAULT_CONFIG_FILE"),
			ChatTimeout:        v.GetDuration("UPSTREAM_CHAT_TIMEOUT"),
			MediaTimeout:       v.GetDuration("UPSTREAM_MEDIA_TIMEOUT"),
			ProbeTimeout:       v.GetDuration("PROBE_TIMEOUT"),
			CredentialCooldown: v.GetDuration("CREDENTIAL_COOLDOWN"),
			MediaOnlyServices:  v.GetStringSlice("MEDIA_ONLY_SERVICES"),
			MediaOnlyPatterns:  v.GetStringSlice("MEDIA_ONLY_PATTERNS"),
			HealthInterval:     v.GetDuration("HEALTH_INTERVAL"),
			CircuitBreaker: CircuitBreakerConfig{
				ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
				TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
				HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
			},
		},
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	for name, port := range map[string]int{"PORT": c.Port, "DOUBAO_PORT": c.Doubao.Port} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("config: %s must be between 1 and 65535, got %d", name, port)
		}
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be >= 0, got %d", c.RateLimit.RPMLimit)
	}

	if u, err := url.Parse(c.Doubao.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: DOUBAO_BASE_URL %q is not an absolute URL", c.Doubao.BaseURL)
	}

	switch c.Doubao.Endpoint {
	case "/chat/completion", "/samantha/chat/completion":
	default:
		return fmt.Errorf(
			"config: invalid DOUBAO_ENDPOINT %q; must be /chat/completion or /samantha/chat/completion",
			c.Doubao.Endpoint,
		)
	}

	positive := map[string]time.Duration{
		"DOUBAO_CHAT_TIMEOUT":    c.Doubao.ChatTimeout,
		"DOUBAO_CONTROL_TIMEOUT": c.Doubao.ControlTimeout,
		"UPSTREAM_CHAT_TIMEOUT":  c.Gateway.ChatTimeout,
		"UPSTREAM_MEDIA_TIMEOUT": c.Gateway.MediaTimeout,
		"PROBE_TIMEOUT":          c.Gateway.ProbeTimeout,
		"CREDENTIAL_COOLDOWN":    c.Gateway.CredentialCooldown,
		"CB_TIME_WINDOW":         c.Gateway.CircuitBreaker.TimeWindow,
		"CB_HALF_OPEN_TIMEOUT":   c.Gateway.CircuitBreaker.HalfOpenTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration", name)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must not be negative")
	}
	if c.Gateway.HealthInterval < 0 {
		return fmt.Errorf("config: HEALTH_INTERVAL must not be negative")
	}
	if c.Gateway.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be >= 1, got %d", c.Gateway.CircuitBreaker.ErrorThreshold)
	}
	if c.Gateway.ConfigFile == "" {
		return fmt.Errorf("config: GATEWAY_CONFIG_FILE must not be empty")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
