package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDirDefault(t *testing.T) {
	oldHome := os.Getenv("HOME")
	_ = os.Unsetenv("SALTPETER_STATE_DIR")
	_ = os.Setenv("HOME", "/test/home")
	defer func() { _ = os.Setenv("HOME", oldHome) }()

	assert.Equal(t, "/test/home/.saltpeter", StateDir())
}

func TestStateDirOverride(t *testing.T) {
	_ = os.Setenv("SALTPETER_STATE_DIR", "/custom/state")
	defer func() { _ = os.Unsetenv("SALTPETER_STATE_DIR") }()

	assert.Equal(t, "/custom/state", StateDir())
}

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	tempDir := t.TempDir()
	_ = os.Setenv("SALTPETER_STATE_DIR", tempDir)
	defer func() { _ = os.Unsetenv("SALTPETER_STATE_DIR") }()

	cfg, err := Load()
	require.ErrorIs(t, err, ErrConfigNotFound)
	require.NotNil(t, cfg)

	assert.Equal(t, filepath.Join(tempDir, "crons.d"), cfg.CronDir)
	assert.Equal(t, 8901, cfg.MachineEndpoint.Port)
	assert.Equal(t, 8900, cfg.UIEndpoint.Port)
	assert.Equal(t, 500, cfg.Scheduler.TickIntervalMs)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	tempDir := t.TempDir()
	_ = os.Setenv("SALTPETER_STATE_DIR", tempDir)
	defer func() { _ = os.Unsetenv("SALTPETER_STATE_DIR") }()

	content := `
cronDir: /opt/crons.d
machineEndpoint:
  bind: 127.0.0.1
  port: 9001
uiEndpoint:
  bind: 127.0.0.1
  port: 9000
`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "saltpeter.yaml"), []byte(content), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/opt/crons.d", cfg.CronDir)
	assert.Equal(t, 9001, cfg.MachineEndpoint.Port)
	assert.Equal(t, 9000, cfg.UIEndpoint.Port)
}

func TestValidateRejectsBadPorts(t *testing.T) {
	cfg := &Daemon{CronDir: "/tmp/crons"}
	cfg.Scheduler.TickIntervalMs = 500
	err := cfg.Validate()
	require.Error(t, err)
}
