package config

import "time"

// Config is the root configuration for taskpulse.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Client    ClientConfig    `yaml:"client"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	PublicURL      string   `yaml:"public_url"`
	LogLevel       string   `yaml:"log_level"`
	LogFile        string   `yaml:"log_file"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	// JWTSecret verifies end-user access tokens issued by the auth service.
	JWTSecret string `yaml:"jwt_secret"`
	// InternalSecret signs server-to-server broadcast tokens. Generated
	// into SecretDir when left empty.
	InternalSecret   string        `yaml:"internal_secret"`
	SecretDir        string        `yaml:"secret_dir"`
	Issuer           string        `yaml:"issuer"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	InternalTokenTTL time.Duration `yaml:"internal_token_ttl"`
}

type DatabaseConfig struct {
	// Driver is either "sqlite" or "pgx".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StreamBuffer      int           `yaml:"stream_buffer"`
	SocketBuffer      int           `yaml:"socket_buffer"`
	SocketPath        string        `yaml:"socket_path"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RecentLimit       int           `yaml:"recent_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// TunnelConfig publishes the server through an ngrok HTTPS endpoint.
type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"authtoken"`
	// Domain is a reserved ngrok domain; empty picks a random one.
	Domain string `yaml:"domain"`
}

// ClientConfig drives the `taskpulse watch` notification client.
type ClientConfig struct {
	ServerURL string        `yaml:"server_url"`
	Token     string        `yaml:"token"`
	UserID    string        `yaml:"user_id"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8430,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			SecretDir:        "~/.config/taskpulse",
			Issuer:           "taskpulse",
			AccessTokenTTL:   1 * time.Hour,
			InternalTokenTTL: 1 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "~/.config/taskpulse/taskpulse.db",
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
			StreamBuffer:      16,
			SocketBuffer:      64,
			SocketPath:        "/api/socket_io",
			PingInterval:      25 * time.Second,
			PongTimeout:       60 * time.Second,
			WriteTimeout:      10 * time.Second,
			RecentLimit:       10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             100,
		},
		Client: ClientConfig{
			ServerURL: "http://127.0.0.1:8430",
			BaseDelay: 1 * time.Second,
			MaxDelay:  30 * time.Second,
		},
	}
}
