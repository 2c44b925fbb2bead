package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sheerbytes/hfrelay/internal/config"
	"github.com/sheerbytes/hfrelay/internal/receiver"
	"github.com/sheerbytes/hfrelay/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Run listens on cfg.Addr and serves until ctx is done.
func Run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, out io.Writer, version string) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, ln, cfg, logger, out, version)
}

// Serve serves the receiver endpoints on ln until ctx is done, then shuts
// down gracefully. ln is closed on return.
func Serve(ctx context.Context, ln net.Listener, cfg config.ServerConfig, logger *slog.Logger, out io.Writer, version string) error {
	shutdownTelemetry, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    "hfrelayserv",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownTelemetry(sctx)
	}()

	store := receiver.NewStore(cfg.CacheDir)
	srv := &http.Server{
		Handler:           receiver.NewMux(store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(out, "starting server addr=%s cache_dir=%s\n", ln.Addr(), store.Root())
	logger.Info("server listening", "addr", ln.Addr().String(), "cache_dir", store.Root())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
