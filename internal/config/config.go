// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Mediator backends.
const (
	BackendScripted = "scripted"
	BackendGRPC     = "grpc"
	BackendOpenAI   = "openai"
)

// Config holds all application configuration.
type Config struct {
	AppEnv      string `env:"APP_ENV"`
	Port        string `env:"PORT" envDefault:"8080"`
	PublicURL   string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/mediation.db"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath     string `env:"LOG_PATH"`

	Auth       AuthConfig
	Invite     InviteConfig
	Mediator   MediatorConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Transcript TranscriptConfig
	Janitor    JanitorConfig
	Retry      RetryConfig
}

// AuthConfig controls verification of identity-provider tokens.
type AuthConfig struct {
	JWTSecret   string `env:"AUTH_JWT_SECRET"`
	JWTIssuer   string `env:"AUTH_JWT_ISSUER"`
	JWTAudience string `env:"AUTH_JWT_AUDIENCE"`
}

// InviteConfig controls join codes.
type InviteConfig struct {
	TTL time.Duration `env:"INVITE_TTL" envDefault:"24h"`
}

// MediatorConfig selects and configures the mediation-response backend.
type MediatorConfig struct {
	Backend       string        `env:"MEDIATOR_BACKEND" envDefault:"scripted"`
	GRPCAddr      string        `env:"MEDIATOR_GRPC_ADDR" envDefault:"localhost:50051"`
	Timeout       time.Duration `env:"MEDIATOR_TIMEOUT" envDefault:"60s"`
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
}

// RedisConfig enables cross-instance realtime fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// RateLimitConfig throttles message posting per user.
type RateLimitConfig struct {
	PerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"20"`
	Burst     int `env:"RATE_LIMIT_BURST" envDefault:"5"`
}

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled   bool   `env:"TRANSCRIPT_ENABLED" envDefault:"true"`
	Path      string `env:"TRANSCRIPT_PATH" envDefault:"./data/logs/transcripts.ndjson"`
	QueueSize int    `env:"TRANSCRIPT_QUEUE_SIZE" envDefault:"1000"`
}

// JanitorConfig controls the periodic invite/session sweep.
type JanitorConfig struct {
	Schedule     string        `env:"JANITOR_SCHEDULE" envDefault:"@every 5m"`
	AbandonAfter time.Duration `env:"ABANDON_AFTER" envDefault:"336h"`
}

// RetryConfig controls SQLITE_BUSY retries.
type RetryConfig struct {
	DatabaseMaxRetries     uint          `env:"DB_MAX_RETRIES" envDefault:"3"`
	DatabaseRetryBaseDelay time.Duration `env:"DB_RETRY_BASE_DELAY" envDefault:"50ms"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Invite.TTL <= 0 {
		return fmt.Errorf("INVITE_TTL must be > 0")
	}
	switch c.Mediator.Backend {
	case BackendScripted:
	case BackendGRPC:
		if c.Mediator.GRPCAddr == "" {
			return fmt.Errorf("MEDIATOR_GRPC_ADDR cannot be empty for grpc backend")
		}
	case BackendOpenAI:
		if c.Mediator.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY cannot be empty for openai backend")
		}
	default:
		return fmt.Errorf("MEDIATOR_BACKEND must be one of scripted, grpc, openai (got %q)", c.Mediator.Backend)
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be > 0")
	}
	if c.Transcript.Enabled {
		if c.Transcript.Path == "" {
			return fmt.Errorf("TRANSCRIPT_PATH cannot be empty")
		}
		if c.Transcript.QueueSize <= 0 {
			return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
		}
	}
	if c.Janitor.AbandonAfter <= 0 {
		return fmt.Errorf("ABANDON_AFTER must be > 0")
	}
	if c.Retry.DatabaseMaxRetries == 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if c.Auth.JWTSecret == "" && !c.DevIdentity() {
		return fmt.Errorf("AUTH_JWT_SECRET is required unless APP_ENV=development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode. It only
// relaxes CORS and WebSocket origin checks.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// DevIdentity reports whether callers may assert their identity through
// X-User-ID headers. It requires APP_ENV=development to be set explicitly.
func (c *Config) DevIdentity() bool {
	return c.AppEnv == "development"
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
