package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithSecret(t *testing.T) {
	t.Setenv("PADDOCK_AUTH_SECRET", testSecret)
	t.Setenv("PADDOCK_DATABASE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 5, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.False(t, cfg.Auth.RevokeOnReuse)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "paddock.yaml", `
http:
  addr: ":9000"
  cors_origins: ["https://app.example.com"]
database:
  driver: memory
auth:
  secret: "`+testSecret+`"
  access_ttl: 5m
  refresh_ttl: 48h
  revoke_on_reuse: true
rate_limit:
  max: 10
  window: 30s
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 48*time.Hour, cfg.Auth.RefreshTTL)
	assert.True(t, cfg.Auth.RevokeOnReuse)
	assert.Equal(t, 10, cfg.RateLimit.Max)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, "paddock", cfg.Auth.Issuer)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "paddock.yaml", `
database:
  driver: memory
auth:
  secret: "`+testSecret+`"
`)
	t.Setenv("PADDOCK_HTTP_ADDR", ":7000")
	t.Setenv("PADDOCK_RATE_LIMIT_MAX", "3")
	t.Setenv("PADDOCK_AUTH_ACCESS_TTL", "1m")
	t.Setenv("PADDOCK_HTTP_CORS_ORIGINS", "https://a.test, https://b.test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.HTTP.CORSOrigins)
}

func TestDotEnvFile(t *testing.T) {
	// t.Setenv registers cleanup so the values loaded from the file are reset.
	t.Setenv("PADDOCK_AUTH_SECRET", "")
	t.Setenv("PADDOCK_DATABASE_DRIVER", "")
	os.Unsetenv("PADDOCK_AUTH_SECRET")
	os.Unsetenv("PADDOCK_DATABASE_DRIVER")

	env := writeFile(t, ".env", "PADDOCK_AUTH_SECRET="+testSecret+"\nPADDOCK_DATABASE_DRIVER=memory\n")
	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.Secret)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestLoadMissingYAML(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("PADDOCK_AUTH_SECRET", testSecret)
	t.Setenv("PADDOCK_DATABASE_DRIVER", "memory")
	t.Setenv("PADDOCK_RATE_LIMIT_WINDOW", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PADDOCK_RATE_LIMIT_WINDOW")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.Secret = testSecret
		cfg.Database.Driver = "memory"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "auth.secret"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, "database.driver"},
		{"access not shorter", func(c *Config) { c.Auth.AccessTTL = c.Auth.RefreshTTL }, "access_ttl"},
		{"redis without addr", func(c *Config) { c.RateLimit.Backend = "redis" }, "redis_addr"},
		{"zero limit", func(c *Config) { c.RateLimit.Max = 0 }, "rate_limit.max"},
		{"grpc without addr", func(c *Config) { c.GRPC.Enabled = true; c.GRPC.Addr = "" }, "grpc.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
