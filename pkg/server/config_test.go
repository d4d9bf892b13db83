package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be written")

	// The written file parses back to the same defaults
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, again)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
tcp_port = 7000

[limits]
single_session = true
rate_limit_per_second = 0
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, config.Server.TCPPort)
	assert.Equal(t, 9090, config.Server.MetricsPort)
	assert.True(t, config.Limits.SingleSession)
	assert.Equal(t, 120, config.Limits.SessionTimeoutSeconds)

	sc := config.ToServerConfig()
	assert.Equal(t, 7000, sc.TCPPort)
	assert.True(t, sc.SingleSessionPerUser)
	assert.Zero(t, sc.RateLimit)
	assert.Equal(t, 120*time.Second, sc.SessionTimeout)
	assert.Equal(t, 10*time.Second, sc.HandlerTimeout)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAMPUS_SERVER_TCP_PORT", "9999")
	t.Setenv("CAMPUS_SERVER_DATABASE_PATH", "/tmp/campus-test.db")
	t.Setenv("CAMPUS_LIMITS_SINGLE_SESSION", "true")
	t.Setenv("CAMPUS_LIMITS_RATE_LIMIT_PER_SECOND", "2.5")
	t.Setenv("CAMPUS_LIMITS_MAX_CONNECTIONS", "not-a-number")
	t.Setenv("CAMPUS_PRESENCE_REDIS_ADDR", "redis:6379")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "server.toml"))
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.TCPPort)
	assert.Equal(t, "/tmp/campus-test.db", config.Server.DatabasePath)
	assert.True(t, config.Limits.SingleSession)
	assert.Equal(t, 2.5, config.Limits.RateLimitPerSecond)
	assert.Equal(t, 1024, config.Limits.MaxConnections, "unparsable values are ignored")
	assert.Equal(t, "redis:6379", config.Presence.RedisAddr)
}

func TestToServerConfigClampsBurst(t *testing.T) {
	config := DefaultTOMLConfig()
	config.Limits.RateBurst = 0
	config.Limits.MaxConnections = 0

	sc := config.ToServerConfig()
	assert.Equal(t, 1, sc.RateBurst)
	assert.Equal(t, DefaultConfig().MaxConnections, sc.MaxConnections)
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	config := DefaultTOMLConfig()
	path, err := config.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "share", "campusnet", "campus.db"), path)

	config.Server.DatabasePath = "/var/lib/campus.db"
	path, err = config.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/campus.db", path)
}
