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
	path := filepath.Join(t.TempDir(), "studysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
user_id: me
groups: [g1, g2]
transport: nats
api:
  base_url: https://study.example.com/api
  timeout: 5s
websocket:
  reconnect_attempts: 3
  reconnect_delay: 250ms
nats:
  stream: PRESENCE
activity:
  idle_after: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "me", cfg.UserID)
	assert.Equal(t, []string{"g1", "g2"}, cfg.Groups)
	assert.Equal(t, TransportNATS, cfg.Transport)
	assert.Equal(t, "https://study.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, 3, cfg.WebSocket.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.WebSocket.ReconnectDelay)
	assert.Equal(t, "PRESENCE", cfg.NATS.Stream)
	assert.Equal(t, "study", cfg.NATS.SubjectPrefix, "unset keys keep their defaults")
	assert.Equal(t, 2*time.Minute, cfg.Activity.IdleAfter)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "user_id: me\ngroups: [g1]\n")

	t.Setenv("STUDYSYNC_USER_ID", "other")
	t.Setenv("STUDYSYNC_GROUPS", "a, b,,c")
	t.Setenv("RECONNECT_ATTEMPTS", "7")
	t.Setenv("IDLE_TIMEOUT", "30s")
	t.Setenv("RELAY_PORT", "9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "other", cfg.UserID)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Groups)
	assert.Equal(t, 7, cfg.WebSocket.ReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.Activity.IdleAfter)
	assert.Equal(t, ":9000", cfg.Relay.Addr)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("STUDYSYNC_USER_ID", "me")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, 5, cfg.WebSocket.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.WebSocket.ReconnectDelay)
	assert.Equal(t, 10*time.Minute, cfg.Activity.IdleAfter)
	assert.Empty(t, cfg.Journal.DatabaseURL)
}

func TestDatabaseURLFromParts(t *testing.T) {
	t.Setenv("STUDYSYNC_USER_ID", "me")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_USER", "")
	t.Setenv("DB_NAME", "")
	t.Setenv("DB_SSLMODE", "")
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://postgres:secret@db:5432/studysync?sslmode=disable", cfg.Journal.DatabaseURL)
}

func TestValidation(t *testing.T) {
	t.Setenv("STUDYSYNC_USER_ID", "")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrMissingUserID)

	t.Setenv("STUDYSYNC_USER_ID", "me")
	t.Setenv("STUDYSYNC_TRANSPORT", "carrier-pigeon")
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown transport")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
