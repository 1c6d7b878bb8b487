package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sim://fea", cfg.Bus.Address)
	assert.Equal(t, "FEA", cfg.Session.ExpectedUnit)
	assert.Equal(t, 15*time.Second, cfg.Session.OperationTimeout)
	assert.True(t, cfg.Session.TurnOffOnExit)
	assert.Equal(t, 5*time.Second, cfg.Monitor.DecodeTimeout)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"calibration"}, cfg.Calibration.SearchPaths)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9090
bus:
  address: gpib://0/5
session:
  expected_vendor: ISI Brno
  keep_state: true
  operation_timeout: 30s
monitor:
  poll_interval: 250ms
log:
  level: debug
  format: json
  file: /var/log/fea/feaserver.log
auth:
  enabled: true
  users:
    - username: alice
      password_hash: "$argon2id$v=19$m=65536,t=1,p=1$c2FsdA$aGFzaA"
      role: calibrator
calibration:
  search_paths: [/etc/fea/cal, ./cal]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "gpib://0/5", cfg.Bus.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.PollInterval)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "calibrator", cfg.Auth.Users[0].Role)
	assert.Equal(t, []string{"/etc/fea/cal", "./cal"}, cfg.Calibration.SearchPaths)

	opts := cfg.Session.Options()
	assert.Equal(t, "ISI Brno", opts.ExpectedVendor)
	assert.Equal(t, "FEA", opts.ExpectedUnit)
	assert.True(t, opts.KeepState)
	assert.Equal(t, 30*time.Second, opts.OperationTimeout)

	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.Options().PollInterval)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("FEA_BUS_ADDRESS", "sim://fea?modules=QBS")
	t.Setenv("FEA_SERVER_HTTP_PORT", "7000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sim://fea?modules=QBS", cfg.Bus.Address)
	assert.Equal(t, 7000, cfg.Server.HTTPPort)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log format", "log:\n  format: xml\n"},
		{"port", "server:\n  http_port: 70000\n"},
		{"auth without users", "auth:\n  enabled: true\n"},
		{"user without hash", "auth:\n  users:\n    - username: bob\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "FEA_TEST_SECRET"}
	assert.Equal(t, devJWTSecret, a.GetJWTSecret())
	assert.False(t, a.IsProductionReady())

	t.Setenv("FEA_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	assert.True(t, a.IsProductionReady())
}
