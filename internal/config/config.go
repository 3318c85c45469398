package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// defaultSecret matches the relay's development fallback and is refused in production.
const defaultSecret = "change-me-in-prod"

// Persistence modes
const (
	PersistenceDirect = "direct"
	PersistenceHTTP   = "http"
)

// Config holds application configuration
type Config struct {
	// データベース接続設定
	DBDriver   string `env:"DB_DRIVER" envDefault:"mysql"`
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"3306"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`
	DBPath     string `env:"DB_PATH" envDefault:"validchat.db"`

	// サーバー設定
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	Env        string `env:"ENV" envDefault:"development"`

	// CORS / WebSocket origin 設定
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://127.0.0.1:3000"`

	// トークン設定
	TokenSecret    string        `env:"WS_JWT_SECRET"`
	FallbackSecret string        `env:"JWT_SECRET"`
	WidgetTokenTTL time.Duration `env:"WIDGET_TOKEN_TTL" envDefault:"168h"`
	AgentTokenTTL  time.Duration `env:"AGENT_TOKEN_TTL" envDefault:"168h"`

	// 永続化ゲートウェイ設定
	PersistenceMode string        `env:"PERSISTENCE_MODE" envDefault:"direct"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	InternalAPIKey  string        `env:"INTERNAL_API_KEY"`

	EnforceTenantOnJoin bool `env:"ENFORCE_TENANT_ON_JOIN" envDefault:"true"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom loads configuration from the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	origins := cfg.AllowedOrigins[:0]
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.AllowedOrigins = origins

	if cfg.TokenSecret == "" {
		cfg.TokenSecret = cfg.FallbackSecret
	}
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = defaultSecret
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	switch c.PersistenceMode {
	case PersistenceDirect:
	case PersistenceHTTP:
		if c.PublicBaseURL == "" {
			return errors.New("PUBLIC_BASE_URL is required when PERSISTENCE_MODE=http")
		}
	default:
		return fmt.Errorf("unsupported PERSISTENCE_MODE %q", c.PersistenceMode)
	}

	if c.PersistTimeout <= 0 {
		return errors.New("PERSIST_TIMEOUT must be positive")
	}

	if c.IsProduction() && c.TokenSecret == defaultSecret {
		return errors.New("WS_JWT_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Secret returns the token signing secret as bytes.
func (c Config) Secret() []byte {
	return []byte(c.TokenSecret)
}
