package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/pagination"
)

const (
	AuthModeDevelopment  = "development"
	AuthModeExternal     = "external"
	AuthModeSharedSecret = "shared_secret"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSlowQuery    time.Duration `mapstructure:"DB_SLOW_QUERY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	BulkBodyLimit  string        `mapstructure:"BULK_BODY_LIMIT"`

	// SearchPageSize is the page size of scope searches.
	SearchPageSize int `mapstructure:"SEARCH_PAGE_SIZE"`
	// FetchBatchSize caps the ids sent in one hydration request; larger
	// batches are split and fetched concurrently.
	FetchBatchSize int `mapstructure:"FETCH_BATCH_SIZE"`
	// ScopeAPIURL is the base URL the tree command talks to.
	ScopeAPIURL   string `mapstructure:"SCOPE_API_URL"`
	ScopeAPIToken string `mapstructure:"SCOPE_API_TOKEN"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SLOW_QUERY",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT", "BULK_BODY_LIMIT",
	"SEARCH_PAGE_SIZE", "FETCH_BATCH_SIZE", "SCOPE_API_URL", "SCOPE_API_TOKEN",
}

// Load reads the environment and an optional .env file. DATABASE_URL is not
// checked here since the tree command runs without a database; commands that
// need one call RequireDatabase.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // inferred, see ResolvedAuthMode
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SLOW_QUERY", "200ms")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BULK_BODY_LIMIT", "8M")
	v.SetDefault("SEARCH_PAGE_SIZE", 20)
	v.SetDefault("FETCH_BATCH_SIZE", 100)
	v.SetDefault("SCOPE_API_URL", "http://localhost:8000/api/v1")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

// RequireDatabase fails when DATABASE_URL is unset.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development servers
// run without auth, a configured AUTH_SIGNING_KEY selects HS256 tokens, and
// everything else validates RS256 tokens from the identity provider.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	if c.AuthSigningKey != "" {
		return AuthModeSharedSecret
	}
	return AuthModeExternal
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed with ENV=production", mode)
		}
	case AuthModeExternal:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is %q (ENV=%q)", mode, c.Env)
		}
	case AuthModeSharedSecret:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q",
			AuthModeDevelopment, AuthModeExternal, AuthModeSharedSecret, mode)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.SearchPageSize < 1 || c.SearchPageSize > pagination.MaxLimit {
		return fmt.Errorf("SEARCH_PAGE_SIZE must be between 1 and %d, got %d", pagination.MaxLimit, c.SearchPageSize)
	}
	// The batch endpoint rejects more than pagination.MaxLimit ids.
	if c.FetchBatchSize < 1 || c.FetchBatchSize > pagination.MaxLimit {
		return fmt.Errorf("FETCH_BATCH_SIZE must be between 1 and %d, got %d", pagination.MaxLimit, c.FetchBatchSize)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// Logger builds the process logger: console output in development, JSON
// otherwise.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.IsDev() {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

// WarnIfInsecure logs a loud warning when requests are not authenticated.
func (c *Config) WarnIfInsecure(logger zerolog.Logger) {
	if c.ResolvedAuthMode() != AuthModeDevelopment {
		return
	}
	logger.Warn().
		Str("env", c.Env).
		Msg("DEVELOPMENT auth mode: every request runs as admin of the default tenant. Set ENV=production and AUTH_ISSUER before exposing this server.")
}
