package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultUserAgent is the mobile browser identity presented to upstream sites.
const DefaultUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Proxy     ProxyConfig
	Modules   ModulesConfig
	Session   SessionConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// CORSOrigins is a comma separated list; "*" allows any origin.
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-IP rate limiting for the host API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// ProxyConfig holds outbound HTTP settings for capability requests.
type ProxyConfig struct {
	UserAgent         string        `envconfig:"PROXY_USER_AGENT"`
	Timeout           time.Duration `envconfig:"PROXY_TIMEOUT" default:"30s"`
	MaxConcurrent     int64         `envconfig:"PROXY_MAX_CONCURRENT" default:"16"`
	RetryMax          int           `envconfig:"PROXY_RETRY_MAX" default:"2"`
	RetryWaitMin      time.Duration `envconfig:"PROXY_RETRY_WAIT_MIN" default:"200ms"`
	RetryWaitMax      time.Duration `envconfig:"PROXY_RETRY_WAIT_MAX" default:"2s"`
	RateLimitRPS      float64       `envconfig:"PROXY_RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst    int           `envconfig:"PROXY_RATE_LIMIT_BURST" default:"40"`
	BreakerFailures   uint32        `envconfig:"PROXY_BREAKER_FAILURES" default:"5"`
	BreakerTimeout    time.Duration `envconfig:"PROXY_BREAKER_TIMEOUT" default:"30s"`
	ChallengeRetryMax int           `envconfig:"PROXY_CHALLENGE_RETRY_MAX" default:"2"`
}

// ModulesConfig locates installed modules.
type ModulesConfig struct {
	Dir    string `envconfig:"MODULES_DIR" default:"./modules"`
	Common string `envconfig:"MODULES_COMMON" default:"common.js"`
}

// SessionConfig bounds module invocations.
type SessionConfig struct {
	RunTimeout      time.Duration `envconfig:"SESSION_RUN_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `envconfig:"SESSION_REQUEST_TIMEOUT" default:"45s"`
	CallbackTimeout time.Duration `envconfig:"SESSION_CALLBACK_TIMEOUT" default:"5s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Proxy.UserAgent == "" {
		cfg.Proxy.UserAgent = DefaultUserAgent
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Host:        "0.0.0.0",
			CORSOrigins: []string{"*"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Proxy: ProxyConfig{
			UserAgent:         DefaultUserAgent,
			Timeout:           30 * time.Second,
			MaxConcurrent:     16,
			RetryMax:          2,
			RetryWaitMin:      200 * time.Millisecond,
			RetryWaitMax:      2 * time.Second,
			RateLimitRPS:      20,
			RateLimitBurst:    40,
			BreakerFailures:   5,
			BreakerTimeout:    30 * time.Second,
			ChallengeRetryMax: 2,
		},
		Modules: ModulesConfig{
			Dir:    "./modules",
			Common: "common.js",
		},
		Session: SessionConfig{
			RunTimeout:      60 * time.Second,
			RequestTimeout:  45 * time.Second,
			CallbackTimeout: 5 * time.Second,
		},
	}
}
