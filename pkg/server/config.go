package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override: CAMPUS_SECTION_KEY
const EnvPrefix = "CAMPUS"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Presence PresenceSection `toml:"presence"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	SessionTimeoutSeconds int     `toml:"session_timeout_seconds"`
	HandlerTimeoutSeconds int     `toml:"handler_timeout_seconds"`
	MaxConnections        int     `toml:"max_connections"`
	RateLimitPerSecond    float64 `toml:"rate_limit_per_second"`
	RateBurst             int     `toml:"rate_burst"`
	SingleSession         bool    `toml:"single_session"`
}

type PresenceSection struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      8888,
			HTTPPort:     0, // WebSocket transport off
			MetricsPort:  9090,
			DatabasePath: "~/.local/share/campusnet/campus.db",
		},
		Limits: LimitsSection{
			SessionTimeoutSeconds: 120,
			HandlerTimeoutSeconds: 10,
			MaxConnections:        1024,
			RateLimitPerSecond:    20,
			RateBurst:             40,
			SingleSession:         false,
		},
		Presence: PresenceSection{
			KeyPrefix: "campus",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file keep
// their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just run with defaults (might be a permissions issue)
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CAMPUS_SECTION_KEY
// Example: CAMPUS_SERVER_TCP_PORT=9999
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	p := EnvPrefix + "_"

	// Server section
	envInt(p+"SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt(p+"SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt(p+"SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString(p+"SERVER_DATABASE_PATH", &config.Server.DatabasePath)

	// Limits section
	envInt(p+"LIMITS_SESSION_TIMEOUT_SECONDS", &config.Limits.SessionTimeoutSeconds)
	envInt(p+"LIMITS_HANDLER_TIMEOUT_SECONDS", &config.Limits.HandlerTimeoutSeconds)
	envInt(p+"LIMITS_MAX_CONNECTIONS", &config.Limits.MaxConnections)
	envFloat(p+"LIMITS_RATE_LIMIT_PER_SECOND", &config.Limits.RateLimitPerSecond)
	envInt(p+"LIMITS_RATE_BURST", &config.Limits.RateBurst)
	envBool(p+"LIMITS_SINGLE_SESSION", &config.Limits.SingleSession)

	// Presence section
	envString(p+"PRESENCE_REDIS_ADDR", &config.Presence.RedisAddr)
	envString(p+"PRESENCE_REDIS_PASSWORD", &config.Presence.RedisPassword)
	envInt(p+"PRESENCE_REDIS_DB", &config.Presence.RedisDB)
	envString(p+"PRESENCE_KEY_PREFIX", &config.Presence.KeyPrefix)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Campus Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CAMPUS_SECTION_KEY (e.g., CAMPUS_SERVER_TCP_PORT=9999)

[server]
# Port for TCP connections (0 = pick a free port)
tcp_port = 8888

# Port for the WebSocket transport (/ws). Set to 0 to disable
http_port = 0

# Port for /metrics and /health (internal only). Set to 0 to disable
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.local/share/campusnet/campus.db"

[limits]
# Sessions idle longer than this are disconnected (0 = never)
session_timeout_seconds = 120

# Requests whose handler runs longer than this are answered with status 504
handler_timeout_seconds = 10

# Maximum concurrent connections; further connections get status 503
max_connections = 1024

# Per-session request rate (token bucket). 0 disables rate limiting
rate_limit_per_second = 20
rate_burst = 40

# When true, a second login for the same user disconnects the first session
single_session = false

[presence]
# Mirror the online registry into Redis. Leave empty to disable
# redis_addr = "localhost:6379"
# redis_password = ""
# redis_db = 0
key_prefix = "campus"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.SessionTimeout = time.Duration(c.Limits.SessionTimeoutSeconds) * time.Second
	cfg.HandlerTimeout = time.Duration(c.Limits.HandlerTimeoutSeconds) * time.Second
	if c.Limits.MaxConnections > 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}
	cfg.RateLimit = c.Limits.RateLimitPerSecond
	cfg.RateBurst = c.Limits.RateBurst
	if cfg.RateLimit > 0 && cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	cfg.SingleSessionPerUser = c.Limits.SingleSession

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
