package client

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the structure of the client config file
type Config struct {
	Server ServerSection `toml:"server"`
}

type ServerSection struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	HeartbeatSeconds      int    `toml:"heartbeat_seconds"`
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			Host:                  "localhost",
			Port:                  8888,
			ConnectTimeoutSeconds: 5,
			HeartbeatSeconds:      30,
		},
	}
}

// DefaultConfigPath is where the client looks when no path is given
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "campusnet", "client.toml")
	}
	return "~/.config/campusnet/client.toml"
}

// LoadConfig reads a client TOML file. A missing file yields the defaults.
// CAMPUS_CLIENT_HOST and CAMPUS_CLIENT_PORT override the file.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse client config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if host := os.Getenv("CAMPUS_CLIENT_HOST"); host != "" {
		config.Server.Host = host
	}
	if val := os.Getenv("CAMPUS_CLIENT_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	return config, nil
}

// Address returns the host:port to pass to NewConnection. A host that already
// carries a scheme (ws://...) is returned unchanged.
func (c Config) Address() string {
	if strings.Contains(c.Server.Host, "://") {
		return c.Server.Host
	}
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// NewConnection builds a Connection with the configured timeouts
func (c Config) NewConnection() (*Connection, error) {
	conn, err := NewConnection(c.Address())
	if err != nil {
		return nil, err
	}
	if c.Server.ConnectTimeoutSeconds > 0 {
		conn.ConnectTimeout = time.Duration(c.Server.ConnectTimeoutSeconds) * time.Second
	}
	if c.Server.HeartbeatSeconds > 0 {
		conn.HeartbeatInterval = time.Duration(c.Server.HeartbeatSeconds) * time.Second
	}
	return conn, nil
}
