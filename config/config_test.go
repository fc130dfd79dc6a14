package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/boxstream/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8000", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 500, cfg.Export.BatchSize)
	assert.Equal(t, 48*time.Hour, cfg.Export.DefaultWindow.Std())
	assert.Equal(t, time.Second, cfg.Broker.InitialDelay.Std())
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
http:
  addr: ":9090"
  ingestRate: 5
store:
  driver: postgres
  dsn: postgres://boxstream:secret@db:5432/boxstream
export:
  maxRange: 168h
  defaultWindow: 24h
broker:
  initialDelay: 2s
  maxDelay: 5m
  errorThreshold: 50
log:
  level: debug
  format: text
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5.0, cfg.HTTP.IngestRate)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 7*24*time.Hour, cfg.Export.MaxRange.Std())
	assert.Equal(t, 24*time.Hour, cfg.Export.DefaultWindow.Std())
	assert.Equal(t, 2*time.Second, cfg.Broker.InitialDelay.Std())
	assert.Equal(t, 50, cfg.Broker.ErrorThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadShippedExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "boxstream.yaml"))
	require.NoError(t, err, "the repository must ship a loadable default config")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8000", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 31*24*time.Hour, cfg.Export.MaxRange.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "export:\n  maxRange: fortnight\n"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"negative ingest rate", func(c *Config) { c.HTTP.IngestRate = -1 }},
		{"window wider than range", func(c *Config) { c.Export.DefaultWindow = c.Export.MaxRange * 2 }},
		{"zero batch size", func(c *Config) { c.Export.BatchSize = 0 }},
		{"initial delay above max", func(c *Config) { c.Broker.InitialDelay = c.Broker.MaxDelay * 2 }},
		{"zero error threshold", func(c *Config) { c.Broker.ErrorThreshold = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
