package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
service_name = "pricing-pipeline"

[database]
driver = "sqlite"
dsn = ":memory:"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pricing-pipeline", cfg.ServiceName)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 1000, cfg.Worker.BackoffBase)
	assert.Equal(t, 60000, cfg.Worker.BackoffCap)
	assert.Equal(t, 2, cfg.Channels.Shopify.RatePerSecond)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
service_name = "pricing-pipeline"

[http]
port = 9090

[database]
driver = "mysql"
dsn = "user:pass@tcp(db:3306)/pricing"

[worker]
max_attempts = 8
poll_interval = 250

[channels.amazon]
rate_per_second = 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 8, cfg.Worker.MaxAttempts)
	assert.Equal(t, 250, cfg.Worker.PollInterval)
	assert.Equal(t, 10, cfg.Channels.Amazon.RatePerSecond)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
service_name = "pricing-pipeline"

[database]
driver = "sqlite"
dsn = ":memory:"
`)
	t.Setenv("APP_HTTP_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Run("missing dsn for mysql", func(t *testing.T) {
		path := writeConfig(t, `
service_name = "pricing-pipeline"

[database]
driver = "mysql"
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad port", func(t *testing.T) {
		path := writeConfig(t, `
service_name = "pricing-pipeline"

[http]
port = 70000

[database]
driver = "sqlite"
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}
