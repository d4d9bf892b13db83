package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CAMPUS_CLIENT_HOST", "")
	t.Setenv("CAMPUS_CLIENT_PORT", "")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
	assert.Equal(t, "localhost:8888", config.Address())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
host = "campus.example.edu"
port = 9000
heartbeat_seconds = 0
`), 0644))

	t.Setenv("CAMPUS_CLIENT_HOST", "")
	t.Setenv("CAMPUS_CLIENT_PORT", "")
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "campus.example.edu:9000", config.Address())
	assert.Equal(t, 5, config.Server.ConnectTimeoutSeconds, "missing keys keep defaults")

	t.Setenv("CAMPUS_CLIENT_HOST", "10.1.1.1")
	t.Setenv("CAMPUS_CLIENT_PORT", "7777")
	config, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1:7777", config.Address())

	t.Setenv("CAMPUS_CLIENT_PORT", "not-a-port")
	config, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, config.Server.Port)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nhost = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigNewConnection(t *testing.T) {
	config := DefaultConfig()
	config.Server.Host = "ws://campus.example.edu:8080/ws"
	config.Server.ConnectTimeoutSeconds = 2
	config.Server.HeartbeatSeconds = 15

	conn, err := config.NewConnection()
	require.NoError(t, err)
	assert.Equal(t, "ws://campus.example.edu:8080/ws", conn.Address())
	assert.Equal(t, "websocket", conn.ConnectionType())
	assert.Equal(t, 2*time.Second, conn.ConnectTimeout)
	assert.Equal(t, 15*time.Second, conn.HeartbeatInterval)
}
