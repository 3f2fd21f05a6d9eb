package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/taskpulse/taskpulse.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskpulse", "taskpulse.yaml"))
	}

	paths = append(paths, "taskpulse.yaml")

	if envPath := os.Getenv("TASKPULSE_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/taskpulse/taskpulse.yaml < ~/.config/taskpulse/taskpulse.yaml < ./taskpulse.yaml < $TASKPULSE_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKPULSE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("TASKPULSE_INTERNAL_SECRET"); v != "" {
		cfg.Auth.InternalSecret = v
	}
	if v := os.Getenv("TASKPULSE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TASKPULSE_TOKEN"); v != "" {
		cfg.Client.Token = v
	}
	if v := os.Getenv("TASKPULSE_NGROK_AUTHTOKEN"); v != "" {
		cfg.Tunnel.AuthToken = v
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		cfg.Database.DSN = ExpandHome(cfg.Database.DSN)
	case "pgx":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the pgx driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or pgx, got %q", cfg.Database.Driver)
	}

	rt := cfg.Realtime
	if rt.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if rt.StreamBuffer < 1 || rt.SocketBuffer < 1 {
		return fmt.Errorf("realtime.stream_buffer and realtime.socket_buffer must be at least 1")
	}
	if !strings.HasPrefix(rt.SocketPath, "/") {
		return fmt.Errorf("realtime.socket_path must start with /, got %q", rt.SocketPath)
	}
	if rt.PingInterval >= rt.PongTimeout {
		return fmt.Errorf("realtime.ping_interval (%s) must be shorter than realtime.pong_timeout (%s)", rt.PingInterval, rt.PongTimeout)
	}
	if rt.RecentLimit < 1 {
		return fmt.Errorf("realtime.recent_limit must be at least 1")
	}

	if cfg.Client.BaseDelay <= 0 || cfg.Client.MaxDelay < cfg.Client.BaseDelay {
		return fmt.Errorf("client.base_delay must be positive and not exceed client.max_delay")
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.AuthToken == "" {
		return fmt.Errorf("tunnel.authtoken is required when the tunnel is enabled (or set TASKPULSE_NGROK_AUTHTOKEN)")
	}

	cfg.Auth.SecretDir = ExpandHome(cfg.Auth.SecretDir)

	return nil
}
