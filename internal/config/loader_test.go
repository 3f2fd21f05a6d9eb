package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "taskpulse.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))
	return tmpFile
}

func TestDefaults_SetsExpectedValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8430, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, "/api/socket_io", cfg.Realtime.SocketPath)
	assert.Equal(t, 10, cfg.Realtime.RecentLimit)
	assert.Equal(t, time.Second, cfg.Client.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Client.MaxDelay)
	assert.Equal(t, time.Minute, cfg.Auth.InternalTokenTTL)
}

func TestLoadFromFile_ParsesYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  host: "0.0.0.0"
  port: 9000
  public_url: "https://tasks.example.com"
  log_level: "debug"
  allowed_origins:
    - "https://tasks.example.com"

database:
  driver: "pgx"
  dsn: "postgres://tasks@localhost/tasks"

realtime:
  heartbeat_interval: 15s
  socket_path: "/ws"
  recent_limit: 25
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://tasks.example.com", cfg.Server.PublicURL)
	assert.Equal(t, []string{"https://tasks.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://tasks@localhost/tasks", cfg.Database.DSN)
	assert.Equal(t, 15*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, "/ws", cfg.Realtime.SocketPath)
	assert.Equal(t, 25, cfg.Realtime.RecentLimit)
	assert.Equal(t, 16, cfg.Realtime.StreamBuffer, "unset fields keep defaults")
}

func TestLoadFromFile_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TASKPULSE_TEST_SECRET", "super-secret-value")

	path := writeConfig(t, `
auth:
  jwt_secret: "${TASKPULSE_TEST_SECRET}"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "super-secret-value", cfg.Auth.JWTSecret)
}

func TestLoadFromFile_EnvOverridesWin(t *testing.T) {
	t.Setenv("TASKPULSE_INTERNAL_SECRET", "from-env")
	t.Setenv("TASKPULSE_DATABASE_DSN", "/tmp/override.db")

	path := writeConfig(t, `
auth:
  internal_secret: "from-file"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.InternalSecret)
	assert.Equal(t, "/tmp/override.db", cfg.Database.DSN)
}

func TestLoadFromFile_RejectsInvalidPort(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "server:\n  port: 99999\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestLoadFromFile_RejectsPortZero(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "server:\n  port: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestLoadFromFile_RejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "database:\n  driver: mysql\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestLoadFromFile_PgxRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "database:\n  driver: pgx\n  dsn: \"\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn")
}

func TestLoadFromFile_RejectsRelativeSocketPath(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "realtime:\n  socket_path: ws\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket_path")
}

func TestLoadFromFile_RejectsPingSlowerThanPongTimeout(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "realtime:\n  ping_interval: 90s\n  pong_timeout: 60s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping_interval")
}

func TestLoadFromFile_RejectsInvertedBackoffBounds(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "client:\n  base_delay: 1m\n  max_delay: 30s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_delay")
}

func TestLoadFromFile_TunnelRequiresAuthToken(t *testing.T) {
	t.Setenv("TASKPULSE_NGROK_AUTHTOKEN", "")

	_, err := LoadFromFile(writeConfig(t, "tunnel:\n  enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tunnel.authtoken")

	cfg, err := LoadFromFile(writeConfig(t, "tunnel:\n  enabled: true\n  authtoken: tok\n  domain: pulse.ngrok.app\n"))
	require.NoError(t, err)
	assert.Equal(t, "pulse.ngrok.app", cfg.Tunnel.Domain)
}

func TestLoadFromFile_NonexistentFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromFile("/tmp/taskpulse-nonexistent-config-file.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8430, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadFromFile_InvalidYAML_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(writeConfig(t, "{{invalid yaml:::"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing YAML")
}

func TestLoadFromFile_ExpandsSQLitePath(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := LoadFromFile(writeConfig(t, "database:\n  dsn: \"~/data/tp.db\"\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data/tp.db"), cfg.Database.DSN)
}

func TestExpandHome_ReplacesLeadingTilde(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	result := ExpandHome("~/some/path")
	assert.Equal(t, filepath.Join(home, "some/path"), result)
}

func TestExpandHome_LeavesAbsolutePathsUnchanged(t *testing.T) {
	t.Parallel()

	result := ExpandHome("/absolute/path")
	assert.Equal(t, "/absolute/path", result)
}
