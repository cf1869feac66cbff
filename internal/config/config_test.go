package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, time.Minute, cfg.Scheduler.Tick)
	assert.Equal(t, 5, cfg.Scheduler.Runners)
	assert.Equal(t, 5*time.Minute, cfg.Lease.Grace)
	assert.Equal(t, time.Minute, cfg.Lease.Renew)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGERFLOW_DB_DRIVER", "postgres")
	t.Setenv("LEDGERFLOW_DB_DSN", "postgres://ledger@localhost/ledger?sslmode=disable")
	t.Setenv("LEDGERFLOW_SCHEDULER_RUNNERS", "3")
	t.Setenv("LEDGERFLOW_LEASE_RENEW", "30s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 3, cfg.Scheduler.Runners)
	assert.Equal(t, 30*time.Second, cfg.Lease.Renew)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
log:
  format: json
  level: debug
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DB.Driver = "mysql" }},
		{"missing dsn", func(c *Config) { c.DB.DSN = "" }},
		{"no runners", func(c *Config) { c.Scheduler.Runners = 0 }},
		{"renew too slow", func(c *Config) { c.Lease.Renew = 3 * time.Minute }},
		{"renew zero", func(c *Config) { c.Lease.Renew = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.DB.Driver, cfg.DB.DSN = "memory", ""
	assert.NoError(t, cfg.Validate())
}
