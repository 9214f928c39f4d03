// Package config provides configuration types and loading for the
// streamable server. Values come from an optional YAML file, overridden by
// STREAMABLE_* environment variables (a .env file is honored).
package config

import (
	"time"

	"github.com/ggoodman/mcp-streaming-http-go/auth/jwtauth"
)

// Config is the top-level configuration of the server.
type Config struct {
	// Server configures the HTTP listener and transport behavior.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Sessions selects where session state lives.
	Sessions SessionsConfig `yaml:"sessions" mapstructure:"sessions"`

	// EventLog selects where stream events are retained for resumption.
	EventLog EventLogConfig `yaml:"event_log" mapstructure:"event_log"`

	// Engine tunes request correlation and stream delivery.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// Security configures Origin validation.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// Auth configures optional bearer token verification.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Telemetry configures tracing and metrics exposure.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP server listener.
type ServerConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:8080").
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port" jsonschema:"default=127.0.0.1:8080"`
	// Endpoint is the path the transport is mounted on.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required,startswith=/" jsonschema:"default=/mcp"`
	// ResponseMode is one of auto, json or sse.
	ResponseMode string `yaml:"response_mode" mapstructure:"response_mode" validate:"oneof=auto json sse" jsonschema:"enum=auto,enum=json,enum=sse,default=auto"`
	// ServerPush enables GET streams for server-initiated messages.
	ServerPush bool `yaml:"server_push" mapstructure:"server_push" jsonschema:"default=true"`
	// InitializeMethod is the request that creates a session.
	InitializeMethod string `yaml:"initialize_method" mapstructure:"initialize_method" validate:"required" jsonschema:"default=initialize"`
	// MaxBodyBytes bounds POST bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"gt=0" jsonschema:"minimum=1"`
	// MaxBatchSize bounds the number of messages in a batch.
	MaxBatchSize int `yaml:"max_batch_size" mapstructure:"max_batch_size" validate:"gt=0" jsonschema:"minimum=1"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// RedisConfig points a backend at a Redis server.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	// Backend is memory or redis.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis" jsonschema:"enum=memory,enum=redis,default=memory"`
	// IdleTimeout expires sessions without activity. Negative disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	// TombstoneRetention keeps ended sessions distinguishable from unknown ones.
	TombstoneRetention time.Duration `yaml:"tombstone_retention" mapstructure:"tombstone_retention" validate:"gte=0"`
	Redis              RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

// EventLogConfig configures stream event retention.
type EventLogConfig struct {
	// Backend is memory, redis or sqlite.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis sqlite" jsonschema:"enum=memory,enum=redis,enum=sqlite,default=memory"`
	// MaxEvents bounds each stream's retained events.
	MaxEvents int `yaml:"max_events" mapstructure:"max_events" validate:"gt=0" jsonschema:"minimum=1,default=1024"`
	// MaxAge evicts older events when positive.
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" validate:"gte=0"`
	// SQLitePath is the database file of the sqlite backend.
	SQLitePath string      `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	Redis      RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// EngineConfig tunes the correlation engine.
type EngineConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gte=0"`
	KeepAlive      time.Duration `yaml:"keep_alive" mapstructure:"keep_alive" validate:"gte=0"`
	OutboxLimit    int           `yaml:"outbox_limit" mapstructure:"outbox_limit" validate:"gte=0"`
	MaxIdleStreams int           `yaml:"max_idle_streams" mapstructure:"max_idle_streams" validate:"gte=0"`
	ReapInterval   time.Duration `yaml:"reap_interval" mapstructure:"reap_interval" validate:"gte=0"`
}

// SecurityConfig configures Origin validation.
type SecurityConfig struct {
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RejectMissingOrigin bool     `yaml:"reject_missing_origin" mapstructure:"reject_missing_origin"`
	// PolicyFile, when set, replaces the origin settings above and is
	// reloaded when it changes.
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file" validate:"omitempty,filepath"`
}

// AuthConfig configures bearer authentication. It is disabled when no
// issuer is configured.
type AuthConfig struct {
	Realm string `yaml:"realm" mapstructure:"realm"`
	// Resource is the public URL of the endpoint. When set, the protected
	// resource metadata document is served and advertised in challenges.
	Resource string `yaml:"resource" mapstructure:"resource" validate:"omitempty,url"`
	// ResourceMetadata overrides the advertised metadata document URL.
	ResourceMetadata string         `yaml:"resource_metadata" mapstructure:"resource_metadata" validate:"omitempty,url"`
	JWT              jwtauth.Config `yaml:"jwt" mapstructure:"jwt"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	// Tracing exports spans to stdout.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
	// MetricsPath serves Prometheus metrics when not empty.
	MetricsPath string `yaml:"metrics_path" mapstructure:"metrics_path" validate:"omitempty,startswith=/"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json" jsonschema:"enum=text,enum=json,default=text"`
}

// defaults lists every key with its default value. Registering every key
// also makes each one overridable from the environment.
var defaults = map[string]any{
	"server.addr":              "127.0.0.1:8080",
	"server.endpoint":          "/mcp",
	"server.response_mode":     "auto",
	"server.server_push":       true,
	"server.initialize_method": "initialize",
	"server.max_body_bytes":    4 << 20,
	"server.max_batch_size":    256,
	"server.shutdown_timeout":  "10s",

	"sessions.backend":             "memory",
	"sessions.idle_timeout":        "30m",
	"sessions.tombstone_retention": "1h",
	"sessions.redis.addr":          "localhost:6379",
	"sessions.redis.key_prefix":    "streamable:sessions:",

	"event_log.backend":          "memory",
	"event_log.max_events":       1024,
	"event_log.max_age":          "0s",
	"event_log.sqlite_path":      "",
	"event_log.redis.addr":       "localhost:6379",
	"event_log.redis.key_prefix": "streamable:events:",

	"engine.request_timeout":  "60s",
	"engine.keep_alive":       "15s",
	"engine.outbox_limit":     1024,
	"engine.max_idle_streams": 16,
	"engine.reap_interval":    "1m",

	"security.allowed_origins":       []string{"http://localhost", "http://127.0.0.1", "http://[::1]"},
	"security.reject_missing_origin": false,
	"security.policy_file":           "",

	"auth.realm":               "mcp",
	"auth.resource":            "",
	"auth.resource_metadata":   "",
	"auth.jwt.issuer":          "",
	"auth.jwt.audiences":       []string{},
	"auth.jwt.jwks_url":        "",
	"auth.jwt.required_scopes": []string{},
	"auth.jwt.scope_mode_any":  false,
	"auth.jwt.allowed_algs":    []string{"RS256"},
	"auth.jwt.leeway":          "60s",
	"auth.jwt.require_at_jwt":  true,

	"telemetry.tracing":      false,
	"telemetry.metrics_path": "/metrics",

	"log.level":  "info",
	"log.format": "text",
}
