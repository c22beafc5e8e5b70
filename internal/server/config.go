// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the process configuration. Every field can be set from the
// environment or a .env file in the working directory.
type Config struct {
	Port                string        `env:"SERVER_PORT,default=:3500"`
	ClientURL           string        `env:"CLIENT_URL,default=http://localhost:3000"`
	EncryptionKey       string        `env:"ENCRYPTION_KEY"`
	PersistenceURL      string        `env:"PERSISTENCE_URL,default=http://localhost:3000"`
	PersistenceTimeout  time.Duration `env:"PERSISTENCE_TIMEOUT,default=10s"`
	MaxMessageSize      int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
	SendBufferSize      int           `env:"SEND_BUFFER_SIZE,default=256"`
	RateLimitBurst      int           `env:"RATE_LIMIT_BURST,default=20"`
	RateLimitRefill     time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	BroadcastOnlineList bool          `env:"BROADCAST_ONLINE_LIST,default=false"`
	RedisURL            string        `env:"REDIS_URL"`
	PresenceTTL         time.Duration `env:"PRESENCE_TTL,default=2m"`
	LogLevel            string        `env:"LOG_LEVEL,default=INFO"`
	LogFormat           string        `env:"LOG_FORMAT,default=text"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Port:               ":3500",
		ClientURL:          "http://localhost:3000",
		PersistenceURL:     "http://localhost:3000",
		PersistenceTimeout: 10 * time.Second,
		MaxMessageSize:     64 * 1024,
		SendBufferSize:     256,
		RateLimitBurst:     20,
		RateLimitRefill:    time.Second,
		PresenceTTL:        2 * time.Minute,
		LogLevel:           "INFO",
		LogFormat:          "text",
		ShutdownTimeout:    15 * time.Second,
	}
}

// LoadConfig reads an optional .env file, then the environment. Variables
// already present in the environment win over the file.
func LoadConfig(files ...string) (Config, error) {
	// a missing .env is normal outside development
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config error: read .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg.sanitize()
}

// sanitize replaces non-positive values with defaults and rejects settings
// the server cannot run with.
func (c Config) sanitize() (Config, error) {
	def := DefaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = def.RateLimitBurst
	}
	if c.RateLimitRefill <= 0 {
		c.RateLimitRefill = def.RateLimitRefill
	}
	if c.PersistenceTimeout < 0 {
		c.PersistenceTimeout = def.PersistenceTimeout
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = def.PresenceTTL
	}
	// mirrored records are refreshed on every pong, about once per pingPeriod
	if c.PresenceTTL < 2*pingPeriod {
		c.PresenceTTL = 2 * pingPeriod
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	if c.PersistenceURL == "" {
		return Config{}, fmt.Errorf("config error: PERSISTENCE_URL must not be empty")
	}
	if _, ok := normalizeOrigin(c.PersistenceURL); !ok {
		return Config{}, fmt.Errorf("config error: PERSISTENCE_URL %q is not an absolute URL", c.PersistenceURL)
	}
	return c, nil
}

// AllowedOrigins returns the origins listed in CLIENT_URL.
func (c Config) AllowedOrigins() []string {
	return parseOrigins(c.ClientURL)
}

// RateLimit returns the per-connection rate limit settings.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
