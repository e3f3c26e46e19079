// Package config provides configuration management for the Mycelium-Matrix
// bridge. Supports TOML configuration files with environment variable
// overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all bridge configuration
type Config struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Matrix homeserver configuration
	Matrix MatrixConfig `toml:"matrix"`

	// Mycelium overlay configuration
	Mycelium MyceliumConfig `toml:"mycelium"`

	// Federation routing configuration
	Federation FederationConfig `toml:"federation"`

	// Static federation routes loaded at startup
	Routes []StaticRoute `toml:"routes"`

	// Discovery configuration (mDNS)
	Discovery DiscoveryConfig `toml:"discovery"`

	// Event bus configuration
	EventBus EventBusConfig `toml:"eventbus"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds the bridge's own HTTP listener configuration
type ServerConfig struct {
	// Host is the bind address
	Host string `toml:"host" env:"BRIDGE_SERVER_HOST"`

	// Port is the listen port
	Port int `toml:"port" env:"BRIDGE_SERVER_PORT"`

	// DataDir holds the route store and the bridge identity key
	DataDir string `toml:"data_dir" env:"BRIDGE_DATA_DIR"`

	// RateLimitRequests is the number of requests allowed per window
	// (0 disables rate limiting)
	RateLimitRequests int `toml:"rate_limit_requests" env:"BRIDGE_RATE_LIMIT_REQUESTS"`

	// RateLimitWindow is the rate limit window in seconds
	RateLimitWindow int `toml:"rate_limit_window" env:"BRIDGE_RATE_LIMIT_WINDOW"`
}

// MatrixConfig holds Matrix homeserver configuration
type MatrixConfig struct {
	// HomeserverURL is the local homeserver base URL
	HomeserverURL string `toml:"homeserver_url" env:"BRIDGE_MATRIX_HOMESERVER_URL"`
}

// MyceliumConfig holds Mycelium overlay configuration
type MyceliumConfig struct {
	// Enabled enables overlay routing. When false every request takes
	// the HTTPS federation path.
	Enabled bool `toml:"enabled" env:"BRIDGE_MYCELIUM_ENABLED"`

	// APIURL is the Mycelium node's HTTP API base URL
	APIURL string `toml:"api_url" env:"BRIDGE_MYCELIUM_API_URL"`
}

// FederationConfig holds federation routing configuration
type FederationConfig struct {
	// TimeoutSeconds bounds the wait for an overlay response
	TimeoutSeconds int `toml:"timeout_seconds" env:"BRIDGE_FEDERATION_TIMEOUT"`

	// PendingLimit caps the pending message registry (0 = unbounded)
	PendingLimit int `toml:"pending_limit" env:"BRIDGE_PENDING_LIMIT"`

	// ServerName is this bridge's own federation server name, used as
	// the sender of overlay replies and in mDNS advertisements
	ServerName string `toml:"server_name" env:"BRIDGE_SERVER_NAME"`
}

// StaticRoute declares a peer route in the config file
type StaticRoute struct {
	ServerName  string `toml:"server_name"`
	MyceliumKey string `toml:"mycelium_key"`
}

// DiscoveryConfig holds mDNS discovery configuration
type DiscoveryConfig struct {
	// Enabled turns on LAN advertisement and browsing
	Enabled bool `toml:"enabled" env:"BRIDGE_DISCOVERY_ENABLED"`

	// BrowseInterval is the seconds between discovery sweeps
	BrowseInterval int `toml:"browse_interval"`
}

// EventBusConfig holds the WebSocket event stream configuration
type EventBusConfig struct {
	// Enabled turns on the /api/v1/bridge/events stream
	Enabled bool `toml:"enabled" env:"BRIDGE_EVENTBUS_ENABLED"`

	// MaxSubscribers caps concurrent WebSocket subscribers
	MaxSubscribers int `toml:"max_subscribers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" env:"BRIDGE_LOG_LEVEL"`

	// Format is "text" or "json"
	Format string `toml:"format" env:"BRIDGE_LOG_FORMAT"`

	// Output is "stdout", "stderr", or "file"
	Output string `toml:"output" env:"BRIDGE_LOG_OUTPUT"`

	// File is the log file path when output is "file"
	File string `toml:"file" env:"BRIDGE_LOG_FILE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8081,
			DataDir:           defaultDataDir(),
			RateLimitRequests: 1000,
			RateLimitWindow:   60,
		},
		Matrix: MatrixConfig{
			HomeserverURL: "http://localhost:8008",
		},
		Mycelium: MyceliumConfig{
			Enabled: true,
			APIURL:  "http://localhost:8989",
		},
		Federation: FederationConfig{
			TimeoutSeconds: 30,
			PendingLimit:   4096,
			ServerName:     "localhost",
		},
		Discovery: DiscoveryConfig{
			Enabled:        false,
			BrowseInterval: 60,
		},
		EventBus: EventBusConfig{
			Enabled:        true,
			MaxSubscribers: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/mycelium-bridge"
	}
	return filepath.Join(homeDir, ".mycelium-bridge")
}

// ConfigPaths returns the default configuration file search order
func ConfigPaths() []string {
	paths := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".mycelium-bridge", "config.toml"))
	}
	paths = append(paths,
		"/etc/mycelium-bridge/config.toml",
		"./config.toml",
	)
	return paths
}

// ListenAddr returns the host:port the bridge listens on
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FederationTimeout returns the overlay response wait bound
func (c *Config) FederationTimeout() time.Duration {
	return time.Duration(c.Federation.TimeoutSeconds) * time.Second
}

// StorePath returns the sqlite store location
func (c *Config) StorePath() string {
	return filepath.Join(c.Server.DataDir, "bridge.db")
}

// IdentityPath returns the overlay identity key location
func (c *Config) IdentityPath() string {
	return filepath.Join(c.Server.DataDir, "identity.key")
}

// Validate checks the configuration for faults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}

	if c.Matrix.HomeserverURL == "" {
		return fmt.Errorf("%w: matrix homeserver URL", ErrMissingValue)
	}
	if _, err := url.Parse(c.Matrix.HomeserverURL); err != nil {
		return fmt.Errorf("%w: matrix homeserver URL: %v", ErrInvalidConfig, err)
	}

	// Overlay enabled without an API URL is a configuration fault: the
	// bridge would promise overlay routing it can never perform.
	if c.Mycelium.Enabled && c.Mycelium.APIURL == "" {
		return fmt.Errorf("%w: mycelium enabled but api_url is empty", ErrInvalidConfig)
	}
	if c.Mycelium.APIURL != "" {
		if _, err := url.Parse(c.Mycelium.APIURL); err != nil {
			return fmt.Errorf("%w: mycelium api_url: %v", ErrInvalidConfig, err)
		}
	}

	if c.Federation.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: federation timeout must be positive", ErrInvalidConfig)
	}
	if c.Federation.PendingLimit < 0 {
		return fmt.Errorf("%w: pending limit must be >= 0", ErrInvalidConfig)
	}

	for _, r := range c.Routes {
		if r.ServerName == "" || r.MyceliumKey == "" {
			return fmt.Errorf("%w: static route requires server_name and mycelium_key", ErrInvalidConfig)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Logging.Level)
	}

	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file":
		if c.Logging.File == "" {
			return fmt.Errorf("%w: log output is file but no file path set", ErrMissingValue)
		}
	default:
		return fmt.Errorf("%w: log output %q", ErrInvalidConfig, c.Logging.Output)
	}

	return nil
}
