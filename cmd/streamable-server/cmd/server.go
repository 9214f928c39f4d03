package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-streaming-http-go/auth"
	"github.com/ggoodman/mcp-streaming-http-go/auth/jwtauth"
	"github.com/ggoodman/mcp-streaming-http-go/correlation"
	"github.com/ggoodman/mcp-streaming-http-go/eventlog"
	eventmemory "github.com/ggoodman/mcp-streaming-http-go/eventlog/memory"
	eventredis "github.com/ggoodman/mcp-streaming-http-go/eventlog/redis"
	eventsqlite "github.com/ggoodman/mcp-streaming-http-go/eventlog/sqlite"
	"github.com/ggoodman/mcp-streaming-http-go/internal/config"
	"github.com/ggoodman/mcp-streaming-http-go/internal/demo"
	"github.com/ggoodman/mcp-streaming-http-go/internal/logctx"
	"github.com/ggoodman/mcp-streaming-http-go/internal/wellknown"
	"github.com/ggoodman/mcp-streaming-http-go/metrics"
	"github.com/ggoodman/mcp-streaming-http-go/security"
	"github.com/ggoodman/mcp-streaming-http-go/sessions"
	"github.com/ggoodman/mcp-streaming-http-go/sessions/memorystore"
	"github.com/ggoodman/mcp-streaming-http-go/sessions/redisstore"
	"github.com/ggoodman/mcp-streaming-http-go/streaminghttp"
)

// eventKeyTTL drops redis event streams nobody has appended to for a day.
const eventKeyTTL = 24 * time.Hour

// server holds the wired components of a running process.
type server struct {
	handler http.Handler
	engine  *correlation.Engine

	// closers run in reverse order on close.
	closers []func(context.Context) error
}

// newLogger builds the process logger from cfg. Records carry the request,
// session and message attributes found in their context.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

// newServer wires every component described by cfg. The returned server's
// background work stops when ctx is done; close releases backend resources.
func newServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *server, err error) {
	s := &server{}
	defer func() {
		if err != nil {
			_ = s.close(context.Background())
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tp, err := s.tracerProvider(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	store, err := s.sessionStore(ctx, cfg.Sessions)
	if err != nil {
		return nil, err
	}
	mgr := sessions.NewManager(store, sessions.ManagerConfig{
		IdleTimeout: cfg.Sessions.IdleTimeout,
		Metrics:     m,
		Logger:      log,
	})

	events, err := s.eventLog(ctx, cfg.EventLog)
	if err != nil {
		return nil, err
	}

	engineOpts := []correlation.Option{
		correlation.WithLogger(log),
		correlation.WithMetrics(m),
		correlation.WithTracerProvider(tp),
		correlation.WithRequestTimeout(cfg.Engine.RequestTimeout),
		correlation.WithKeepAlive(cfg.Engine.KeepAlive),
		correlation.WithOutboxLimit(cfg.Engine.OutboxLimit),
		correlation.WithMaxIdleStreams(cfg.Engine.MaxIdleStreams),
		correlation.WithSessionReaper(mgr, cfg.Engine.ReapInterval),
	}
	if !cfg.Server.ServerPush {
		engineOpts = append(engineOpts, correlation.WithoutPush())
	}
	proc := demo.New(demo.Info{Name: "streamable-server", Version: Version}, log)
	s.engine = correlation.NewEngine(events, proc, engineOpts...)
	s.closers = append(s.closers, func(context.Context) error {
		s.engine.Close()
		return nil
	})

	validator, err := s.originValidator(ctx, cfg.Security, log)
	if err != nil {
		return nil, err
	}

	mode, err := streaminghttp.ParseResponseMode(cfg.Server.ResponseMode)
	if err != nil {
		return nil, err
	}
	transport, err := streaminghttp.New(cfg.Server.Endpoint, mgr, s.engine,
		streaminghttp.WithLogger(log),
		streaminghttp.WithSecurity(validator),
		streaminghttp.WithMetrics(m),
		streaminghttp.WithTracerProvider(tp),
		streaminghttp.WithResponseMode(mode),
		streaminghttp.WithInitializeMethod(cfg.Server.InitializeMethod),
		streaminghttp.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		streaminghttp.WithMaxBatchSize(cfg.Server.MaxBatchSize),
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()

	var endpoint http.Handler = transport
	if cfg.Auth.JWT.Enabled() {
		authn, err := jwtauth.New(ctx, cfg.Auth.JWT)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		metadataURL, err := mountResourceMetadata(mux, cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		endpoint = auth.NewMiddleware(authn,
			auth.WithRealm(cfg.Auth.Realm),
			auth.WithResourceMetadata(metadataURL),
			auth.WithLogger(log),
		).Wrap(endpoint)
	}
	// Origin is checked ahead of authentication so that a foreign page
	// learns nothing from the challenge.
	endpoint = validator.Middleware(endpoint)

	mux.Handle(cfg.Server.Endpoint, m.Middleware(endpoint))
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	if cfg.Telemetry.MetricsPath != "" {
		mux.Handle(cfg.Telemetry.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	s.handler = mux
	return s, nil
}

// mountResourceMetadata serves the protected resource metadata document when
// a public resource URL is configured. It returns the URL to advertise.
func mountResourceMetadata(mux *http.ServeMux, cfg config.AuthConfig) (string, error) {
	if cfg.Resource == "" {
		return cfg.ResourceMetadata, nil
	}
	u, err := wellknown.MetadataURL(cfg.Resource)
	if err != nil {
		return "", err
	}
	jwt := cfg.JWT
	mux.Handle("GET "+u.Path, wellknown.Handler(wellknown.ProtectedResourceMetadata{
		Resource:                          cfg.Resource,
		AuthorizationServers:              []string{jwt.Issuer},
		JwksURI:                           jwt.JWKSURL,
		ScopesSupported:                   jwt.RequiredScopes,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: jwt.AllowedAlgs,
		ResourceName:                      "streamable-server",
	}))
	if cfg.ResourceMetadata != "" {
		return cfg.ResourceMetadata, nil
	}
	return u.String(), nil
}

func (s *server) tracerProvider(cfg config.TelemetryConfig) (trace.TracerProvider, error) {
	if !cfg.Tracing {
		return otel.GetTracerProvider(), nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	s.closers = append(s.closers, tp.Shutdown)
	return tp, nil
}

func (s *server) sessionStore(ctx context.Context, cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Backend {
	case "redis":
		st, err := redisstore.New(ctx, redisstore.Config{
			RedisAddr:          cfg.Redis.Addr,
			KeyPrefix:          cfg.Redis.KeyPrefix,
			TombstoneRetention: cfg.TombstoneRetention,
		})
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return st.Close() })
		return st, nil
	default:
		return memorystore.New(memorystore.WithTombstoneRetention(cfg.TombstoneRetention)), nil
	}
}

func (s *server) eventLog(ctx context.Context, cfg config.EventLogConfig) (eventlog.Log, error) {
	retention := eventlog.Retention{MaxEvents: cfg.MaxEvents, MaxAge: cfg.MaxAge}
	switch cfg.Backend {
	case "redis":
		l, err := eventredis.New(ctx, eventredis.Config{
			RedisAddr: cfg.Redis.Addr,
			KeyPrefix: cfg.Redis.KeyPrefix,
			MaxEvents: cfg.MaxEvents,
			MaxAge:    cfg.MaxAge,
			KeyTTL:    eventKeyTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return l.Close() })
		return l, nil
	case "sqlite":
		l, err := eventsqlite.Open(ctx, cfg.SQLitePath, eventsqlite.WithRetention(retention))
		if err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return l.Close() })
		return l, nil
	default:
		return eventmemory.New(eventmemory.WithRetention(retention)), nil
	}
}

func (s *server) originValidator(ctx context.Context, cfg config.SecurityConfig, log *slog.Logger) (*security.Validator, error) {
	policy := security.Policy{
		AllowedOrigins:      cfg.AllowedOrigins,
		RejectMissingOrigin: cfg.RejectMissingOrigin,
	}
	if cfg.PolicyFile != "" {
		p, err := security.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	v := security.NewValidator(policy, security.WithLogger(log))
	if cfg.PolicyFile != "" {
		go func() {
			if err := security.WatchPolicyFile(ctx, cfg.PolicyFile, v); err != nil {
				log.ErrorContext(ctx, "security.policy.watch_failed", slog.String("path", cfg.PolicyFile), slog.String("err", err.Error()))
			}
		}()
	}
	return v, nil
}

// close releases resources in reverse order of acquisition.
func (s *server) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
