// Package server provides configuration helpers that define runtime defaults,
// validation, and liveness parameters for the chat service.
package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
}

// HeartbeatConfig holds the probe interval (T1) and the acknowledgment
// deadline (T2) of the liveness protocol.
type HeartbeatConfig struct {
	Interval time.Duration `env:"HEARTBEAT_INTERVAL,default=5s"`
	Timeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=1s"`
}

// Config holds the server configuration settings.
type Config struct {
	Port            string        `env:"PORT,default=:4040"`
	Origins         string        `env:"ALLOWED_ORIGINS,default=http://localhost:5173"`
	AllowedOrigins  []string
	JWTSecret       string        `env:"JWT_SECRET"`
	TokenCookie     string        `env:"TOKEN_COOKIE,default=token"`
	MaxMessageSize  int           `env:"MAX_MESSAGE_SIZE,default=4096"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE,default=256"`
	WriteWait       time.Duration `env:"WRITE_WAIT,default=10s"`
	StoreDriver     string        `env:"STORE_DRIVER,default=badger"`
	BadgerPath      string        `env:"BADGER_PATH,default=./data"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogPretty       bool          `env:"LOG_PRETTY,default=false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	RateLimit       RateLimitConfig
	Heartbeat       HeartbeatConfig
}

const (
	StoreBadger = "badger"
	StoreMemory = "memory"
)

var ErrMissingSecret = errors.New("JWT_SECRET must be set")

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := Config{
		Port:            ":4040",
		Origins:         "http://localhost:5173",
		AllowedOrigins:  []string{"http://localhost:5173"},
		TokenCookie:     "token",
		MaxMessageSize:  4096,
		SendBufferSize:  256,
		WriteWait:       10 * time.Second,
		StoreDriver:     StoreBadger,
		BadgerPath:      "./data",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
			Timeout:  time.Second,
		},
	}
	return &cfg
}

// LoadConfig reads an optional .env file (existing environment variables
// win) and then the environment itself.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// A missing .env file is normal outside development.
		_ = godotenv.Load(file)
	}

	cfg := NewConfig()
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.AllowedOrigins = parseOrigins(cfg.Origins)
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize replaces unusable values with their defaults.
func (c *Config) Sanitize() {
	defaults := NewConfig()

	if c.Port == "" {
		c.Port = defaults.Port
	}
	if c.TokenCookie == "" {
		c.TokenCookie = defaults.TokenCookie
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaults.SendBufferSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaults.WriteWait
	}
	if c.StoreDriver != StoreMemory {
		c.StoreDriver = StoreBadger
	}
	if c.BadgerPath == "" {
		c.BadgerPath = defaults.BadgerPath
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = defaults.Heartbeat.Interval
	}
	// The ack deadline has to expire before the next probe is due.
	if c.Heartbeat.Timeout <= 0 || c.Heartbeat.Timeout >= c.Heartbeat.Interval {
		c.Heartbeat.Timeout = min(defaults.Heartbeat.Timeout, c.Heartbeat.Interval/2)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	return nil
}
