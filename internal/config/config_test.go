package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
env: production
kis:
  app_key: app-key
  app_secret: app-secret
stream:
  heartbeat_interval: 15s
`)

	require.NoError(t, LoadConfig(path))
	assert.Equal(t, "production", Env.Env)
	assert.Equal(t, "app-key", Env.KIS.AppKey)
	assert.Equal(t, 15*time.Second, Env.Stream.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, Env.Stream.ReconnectMinDelay)
	assert.Equal(t, 3*time.Second, Env.Gateway.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, Env.Gateway.FirstTickWait)
	assert.Equal(t, 23*time.Hour, Env.KIS.ApprovalValidity)
	assert.Equal(t, "ws://ops.koreainvestment.com:21000", Env.KIS.WebsocketURL)
}

func TestLoadConfigRequiresCredentialsOutsideDevelopmentMode(t *testing.T) {
	path := writeConfig(t, `
env: production
kis:
  app_key: ""
`)

	err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kis.app_key")
	assert.Contains(t, err.Error(), "kis.app_secret")
}

func TestLoadConfigDevelopmentModeSkipsCredentialCheck(t *testing.T) {
	path := writeConfig(t, `
kis:
  development_mode: true
`)

	require.NoError(t, LoadConfig(path))
	assert.True(t, Env.KIS.DevelopmentMode)
}

func TestLoadConfigMissingFile(t *testing.T) {
	err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}
