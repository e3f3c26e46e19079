package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from a file path. An empty path searches the
// default locations; a missing file falls back to defaults. Environment
// overrides apply after the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// If path is empty, search for default config files
	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	if v := os.Getenv("BRIDGE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BRIDGE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("BRIDGE_RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimitRequests = n
		}
	}
	if v := os.Getenv("BRIDGE_RATE_LIMIT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimitWindow = n
		}
	}

	// Matrix overrides
	if v := os.Getenv("BRIDGE_MATRIX_HOMESERVER_URL"); v != "" {
		cfg.Matrix.HomeserverURL = v
	}

	// Mycelium overrides
	if v := os.Getenv("BRIDGE_MYCELIUM_ENABLED"); v != "" {
		cfg.Mycelium.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BRIDGE_MYCELIUM_API_URL"); v != "" {
		cfg.Mycelium.APIURL = v
	}

	// Federation overrides
	if v := os.Getenv("BRIDGE_FEDERATION_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Federation.TimeoutSeconds = secs
		}
	}
	if v := os.Getenv("BRIDGE_PENDING_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Federation.PendingLimit = n
		}
	}
	if v := os.Getenv("BRIDGE_SERVER_NAME"); v != "" {
		cfg.Federation.ServerName = v
	}

	// Discovery overrides
	if v := os.Getenv("BRIDGE_DISCOVERY_ENABLED"); v != "" {
		cfg.Discovery.Enabled = v == "true" || v == "1"
	}

	// Event bus overrides
	if v := os.Getenv("BRIDGE_EVENTBUS_ENABLED"); v != "" {
		cfg.EventBus.Enabled = v == "true" || v == "1"
	}

	// Logging overrides
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BRIDGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BRIDGE_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("BRIDGE_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}
