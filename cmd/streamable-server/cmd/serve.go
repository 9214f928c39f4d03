package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-streaming-http-go/internal/config"
)

var gracefulSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the Streamable HTTP server.

The server listens on server.addr and mounts the transport on
server.endpoint. /healthz and, when telemetry.metrics_path is set, the
Prometheus endpoint are served alongside it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals...)
		defer stop()

		ln, err := net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
		}
		return serve(ctx, cfg, log, ln)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve runs the server on ln until ctx is done, then shuts it down within
// cfg.Server.ShutdownTimeout.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := newServer(runCtx, cfg, log)
	if err != nil {
		_ = ln.Close()
		return err
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- srv.engine.Run(runCtx)
	}()

	httpSrv := &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start", slog.String("addr", ln.Addr().String()), slog.String("endpoint", cfg.Server.Endpoint))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("server.shutdown", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
	case serveErr = <-errCh:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Ending the engine first completes open event streams so that Shutdown
	// does not wait on them.
	cancel()
	srv.engine.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", slog.String("err", err.Error()))
		serveErr = errors.Join(serveErr, err)
	}
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		serveErr = errors.Join(serveErr, err)
	}
	if err := srv.close(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	log.Info("server.stopped")
	return serveErr
}
