package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":4723", cfg.Address)
	assert.Equal(t, 60*time.Second, cfg.NewCommandTimeout)
	assert.Equal(t, 7*time.Second, cfg.Device.ShutdownTimeout)
	assert.Equal(t, 1<<20, cfg.Idempotency.MaxBytes)
}

func TestLoadLayers(t *testing.T) {
	path := writeFile(t, "wdbridge.yaml", `
address: ":5000"
base_path: /wd/hub
new_command_timeout: 90s
device:
  adb_path: /opt/android/adb
  local_port: 5724
proxy:
  server: grid.local
  port: 4445
log:
  level: debug
`)
	t.Setenv("WDBRIDGE_PROXY_PORT", "4446")
	t.Setenv("WDBRIDGE_LOG_LEVEL", "warn")

	cfg, err := Load([]string{"--config", path, "--log-level", "error", "--session-override"})
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Address)
	assert.Equal(t, "/wd/hub", cfg.BasePath)
	assert.Equal(t, 90*time.Second, cfg.NewCommandTimeout)
	assert.Equal(t, "/opt/android/adb", cfg.Device.ADBPath)
	assert.Equal(t, 5724, cfg.Device.LocalPort)
	assert.Equal(t, 4724, cfg.Device.RemotePort)
	assert.Equal(t, "grid.local", cfg.Proxy.Server)
	assert.Equal(t, 4446, cfg.Proxy.Port)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.True(t, cfg.SessionOverride)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "WDBRIDGE_UPSTREAM_IMAGE=selenium/standalone-firefox:latest\n")
	t.Cleanup(func() { os.Unsetenv("WDBRIDGE_UPSTREAM_IMAGE") })

	cfg, err := Load([]string{"--env-file", path})
	require.NoError(t, err)
	assert.Equal(t, "selenium/standalone-firefox:latest", cfg.Upstream.Image)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")})
	assert.Error(t, err)

	_, err = Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	_, err = Load([]string{"--proxy-port", "many"})
	assert.EqualError(t, err, `--proxy-port: strconv.Atoi: parsing "many": invalid syntax`)

	t.Setenv("WDBRIDGE_NEW_COMMAND_TIMEOUT", "soon")
	_, err = Load(nil)
	assert.ErrorContains(t, err, "WDBRIDGE_NEW_COMMAND_TIMEOUT")

	_, err = Load([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"zero timeout", func(c *Config) { c.Proxy.Timeout = 0 }, "proxy.timeout must be positive, got 0s"},
		{"negative size", func(c *Config) { c.Idempotency.Size = -1 }, "idempotency.size must be positive, got -1"},
		{"bad port", func(c *Config) { c.Device.LocalPort = 70000 }, "device.local_port must be a valid port, got 70000"},
		{"relative base path", func(c *Config) { c.BasePath = "wd/hub" }, `base_path must start with '/', got "wd/hub"`},
		{"empty address", func(c *Config) { c.Address = "" }, "address is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.EqualError(t, cfg.Validate(), tt.errMsg)
		})
	}
	assert.NoError(t, Default().Validate())
}
