package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
datastore:
  backend: memory
auth:
  access_secret: access
  refresh_secret: refresh
  access_ttl: 15s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	t.Run("reads file and applies defaults", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, testConfig))
		require.NoError(t, err)

		assert.Equal(t, "memory", cfg.Datastore.Backend)
		assert.Equal(t, 15*time.Second, cfg.Auth.AccessTTL)
		assert.Equal(t, 168*time.Hour, cfg.Auth.RefreshTTL)
		assert.Equal(t, "admin", cfg.Auth.AdminRole)
		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, uint64(5), cfg.Retry.MaxAttempts)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("GATEWAY_AUTH_ACCESS_TTL", "1m")
		t.Setenv("GATEWAY_SERVER_PORT", "9090")

		cfg, err := LoadConfig(writeConfig(t, testConfig))
		require.NoError(t, err)

		assert.Equal(t, time.Minute, cfg.Auth.AccessTTL)
		assert.Equal(t, "9090", cfg.Server.Port)
	})

	t.Run("environment only", func(t *testing.T) {
		t.Setenv("GATEWAY_DATASTORE_BACKEND", "memory")
		t.Setenv("GATEWAY_AUTH_ACCESS_SECRET", "a")
		t.Setenv("GATEWAY_AUTH_REFRESH_SECRET", "b")
		t.Setenv("GATEWAY_AUTH_ACCESS_TTL", "30s")

		cfg, err := LoadConfig(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.Auth.AccessTTL)
	})

	t.Run("access ttl has no default", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, `
auth:
  access_secret: access
  refresh_secret: refresh
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth.access_ttl")
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.Datastore.Backend = "memory"
		c.Auth = AuthConfig{
			AccessSecret:   "access",
			RefreshSecret:  "refresh",
			AccessTTL:      15 * time.Second,
			RefreshTTL:     time.Hour,
			AdminRole:      "admin",
			CookieSameSite: "lax",
		}
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "shared secret", mutate: func(c *Config) { c.Auth.RefreshSecret = c.Auth.AccessSecret }, wantErr: "must differ"},
		{name: "missing access secret", mutate: func(c *Config) { c.Auth.AccessSecret = "" }, wantErr: "auth.access_secret is required"},
		{name: "zero refresh ttl", mutate: func(c *Config) { c.Auth.RefreshTTL = 0 }, wantErr: "auth.refresh_ttl"},
		{name: "unknown backend", mutate: func(c *Config) { c.Datastore.Backend = "mongo" }, wantErr: "unknown datastore.backend"},
		{name: "couchdb without url", mutate: func(c *Config) { c.Datastore.Backend = "couchdb" }, wantErr: "datastore.url"},
		{name: "bad same site", mutate: func(c *Config) { c.Auth.CookieSameSite = "sometimes" }, wantErr: "cookie_same_site"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
