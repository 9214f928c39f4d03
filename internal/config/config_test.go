package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(writeFile(t, "empty.yaml", "")))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/mcp", cfg.Server.Endpoint)
	assert.Equal(t, "auto", cfg.Server.ResponseMode)
	assert.True(t, cfg.Server.ServerPush)
	assert.Equal(t, int64(4<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "memory", cfg.Sessions.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 1024, cfg.EventLog.MaxEvents)
	assert.Equal(t, 60*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, []string{"http://localhost", "http://127.0.0.1", "http://[::1]"}, cfg.Security.AllowedOrigins)
	assert.False(t, cfg.Auth.JWT.Enabled())
	assert.Equal(t, []string{"RS256"}, cfg.Auth.JWT.AllowedAlgs)
	assert.Equal(t, "/metrics", cfg.Telemetry.MetricsPath)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "streamable.yaml", `
server:
  addr: 0.0.0.0:9000
  response_mode: sse
event_log:
  backend: sqlite
  sqlite_path: /var/lib/streamable/events.db
  max_age: 5m
security:
  allowed_origins: ["https://app.example.com"]
`)
	t.Setenv("STREAMABLE_SERVER_ADDR", "0.0.0.0:9100")
	t.Setenv("STREAMABLE_ENGINE_REQUEST_TIMEOUT", "2s")
	t.Setenv("STREAMABLE_LOG_LEVEL", "debug")

	cfg, err := Load(NewViper(path))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr, "env wins over file")
	assert.Equal(t, "sse", cfg.Server.ResponseMode)
	assert.Equal(t, "sqlite", cfg.EventLog.Backend)
	assert.Equal(t, 5*time.Minute, cfg.EventLog.MaxAge)
	assert.Equal(t, 2*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Security.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad mode", "server:\n  response_mode: stream\n", "Server.ResponseMode: must be one of"},
		{"bad addr", "server:\n  addr: nope\n", "Server.Addr: must be host:port"},
		{"bad endpoint", "server:\n  endpoint: mcp\n", "Server.Endpoint: must start with"},
		{"sqlite without path", "event_log:\n  backend: sqlite\n", "EventLog.SQLitePath: is required"},
		{"issuer without audience", "auth:\n  jwt:\n    issuer: https://issuer.example.com\n", "auth.jwt.audiences"},
		{"bad backend", "sessions:\n  backend: etcd\n", "Sessions.Backend: must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(NewViper(writeFile(t, "c.yaml", tt.yaml)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(filepath.Join(t.TempDir(), "absent.yaml")))
	require.Error(t, err)
}

func TestSchema(t *testing.T) {
	raw, err := Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "schema has properties")
	for _, key := range []string{"server", "sessions", "event_log", "engine", "security", "auth", "telemetry", "log"} {
		assert.Contains(t, props, key)
	}
	server := props["server"].(map[string]any)["properties"].(map[string]any)
	timeout := server["shutdown_timeout"].(map[string]any)
	assert.Equal(t, "string", timeout["type"], "durations are strings")
}

func TestCheckFile(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, "ok.yaml", "server:\n  addr: 127.0.0.1:8181\n  shutdown_timeout: 3s\nlog:\n  format: json\n")
		require.NoError(t, CheckFile(path))
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "unknown.yaml", "server:\n  adr: 127.0.0.1:8181\n")
		err := CheckFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema validation failed")
	})

	t.Run("wrong type", func(t *testing.T) {
		path := writeFile(t, "type.yaml", "server:\n  max_batch_size: lots\n")
		require.Error(t, CheckFile(path))
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeFile(t, "dur.yaml", "engine:\n  keep_alive: soon\n")
		require.Error(t, CheckFile(path))
	})

	t.Run("schema ok but rules fail", func(t *testing.T) {
		path := writeFile(t, "rules.yaml", "event_log:\n  backend: sqlite\n")
		err := CheckFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SQLitePath")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "server: [\n")
		require.Error(t, CheckFile(path))
	})
}
