// Package config loads service configuration. Sources are layered: built-in
// defaults, an optional YAML file, .env files, then PADDOCK_* environment
// variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MinSecretLength mirrors the signing secret requirement of the token codec.
const MinSecretLength = 32

// Config is the root configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	SecureCookies   bool          `yaml:"secure_cookies"`
	// RequestsPerSecond and Burst size the global per-IP token bucket.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// GRPCConfig configures the gRPC listener.
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// AuthConfig configures tokens.
type AuthConfig struct {
	Secret        string        `yaml:"secret"`
	Issuer        string        `yaml:"issuer"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	RevokeOnReuse bool          `yaml:"revoke_on_reuse"`
	SeedOnStart   bool          `yaml:"seed_on_start"`
}

// RateLimitConfig configures the login and registration limiter.
type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `yaml:"backend"`
	Max           int           `yaml:"max"`
	Window        time.Duration `yaml:"window"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Auth: AuthConfig{
			Issuer:      "paddock",
			AccessTTL:   15 * time.Minute,
			RefreshTTL:  14 * 24 * time.Hour,
			SeedOnStart: true,
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Max:     5,
			Window:  time.Minute,
		},
		Logging: LoggingConfig{Format: "json", Level: "info"},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// ignored, a missing YAML file is not.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PADDOCK_HTTP_ADDR", &cfg.HTTP.Addr)
	boolean("PADDOCK_HTTP_SECURE_COOKIES", &cfg.HTTP.SecureCookies)
	if v := os.Getenv("PADDOCK_HTTP_CORS_ORIGINS"); v != "" {
		cfg.HTTP.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, o)
			}
		}
	}
	boolean("PADDOCK_GRPC_ENABLED", &cfg.GRPC.Enabled)
	str("PADDOCK_GRPC_ADDR", &cfg.GRPC.Addr)
	str("PADDOCK_DATABASE_DRIVER", &cfg.Database.Driver)
	str("PADDOCK_DATABASE_DSN", &cfg.Database.DSN)
	boolean("PADDOCK_DATABASE_MIGRATE_ON_START", &cfg.Database.MigrateOnStart)
	str("PADDOCK_AUTH_SECRET", &cfg.Auth.Secret)
	str("PADDOCK_AUTH_ISSUER", &cfg.Auth.Issuer)
	duration("PADDOCK_AUTH_ACCESS_TTL", &cfg.Auth.AccessTTL)
	duration("PADDOCK_AUTH_REFRESH_TTL", &cfg.Auth.RefreshTTL)
	boolean("PADDOCK_AUTH_REVOKE_ON_REUSE", &cfg.Auth.RevokeOnReuse)
	str("PADDOCK_RATE_LIMIT_BACKEND", &cfg.RateLimit.Backend)
	integer("PADDOCK_RATE_LIMIT_MAX", &cfg.RateLimit.Max)
	duration("PADDOCK_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	str("PADDOCK_REDIS_ADDR", &cfg.RateLimit.RedisAddr)
	str("PADDOCK_REDIS_PASSWORD", &cfg.RateLimit.RedisPassword)
	str("PADDOCK_LOG_FORMAT", &cfg.Logging.Format)
	str("PADDOCK_LOG_LEVEL", &cfg.Logging.Level)
	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.secret must be at least %d bytes", MinSecretLength))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth token ttls must be positive"))
	}
	if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		errs = append(errs, errors.New("auth.access_ttl must be shorter than auth.refresh_ttl"))
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.max and rate_limit.window must be positive"))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, errors.New("rate_limit.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is not supported", c.RateLimit.Backend))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr is required when grpc is enabled"))
	}
	return errors.Join(errs...)
}
