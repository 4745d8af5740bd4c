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
	v := New()
	v.Set(KeyDataDir, t.TempDir())
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api", cfg.APIURL)
	assert.Equal(t, "ws://localhost:8080/api/messages/websocket", cfg.WSURL)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 2*time.Second, cfg.TypingInterval)
	assert.Equal(t, 10*time.Minute, cfg.DedupTTL)
	assert.False(t, cfg.Reconnect)
	assert.Empty(t, cfg.BridgeAddr)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("NOXCHAT_API_URL", "https://chat.example/api/")
	t.Setenv("NOXCHAT_PAGE_SIZE", "50")
	t.Setenv("NOXCHAT_RECONNECT", "true")
	t.Setenv("NOXCHAT_TIMEOUT", "3s")

	v := New()
	v.Set(KeyDataDir, t.TempDir())
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example/api", cfg.APIURL)
	assert.Equal(t, 50, cfg.PageSize)
	assert.True(t, cfg.Reconnect)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
}

func TestConfigFileInDataDir(t *testing.T) {
	dir := t.TempDir()
	yaml := "ws_url: ws://chat.example/ws\nbridge_addr: 127.0.0.1:9090\nheartbeat: 0s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noxchat.yaml"), []byte(yaml), 0o600))

	v := New()
	v.Set(KeyDataDir, dir)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "ws://chat.example/ws", cfg.WSURL)
	assert.Equal(t, "127.0.0.1:9090", cfg.BridgeAddr)
	assert.Equal(t, time.Duration(0), cfg.Heartbeat)
	assert.Equal(t, filepath.Join(dir, "noxchat.db"), cfg.StorePath())
}

func TestInvalidValuesRejected(t *testing.T) {
	v := New()
	v.Set(KeyDataDir, t.TempDir())
	v.Set(KeyPageSize, 0)
	_, err := Load(v)
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NOXCHAT_SECRET=hunter2\n"), 0o600))
	t.Setenv("NOXCHAT_SECRET", "")
	require.NoError(t, os.Unsetenv("NOXCHAT_SECRET"))

	require.NoError(t, LoadDotEnv(path))
	v := New()
	v.Set(KeyDataDir, t.TempDir())
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Secret)

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
