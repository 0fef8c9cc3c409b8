// WebSocket gateway - token verification and terminal stream proxying.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arakoodev/k8s-cli-agents/internal/capability"
	"github.com/arakoodev/k8s-cli-agents/internal/config"
	"github.com/arakoodev/k8s-cli-agents/internal/gateway"
	"github.com/arakoodev/k8s-cli-agents/internal/logging"
	"github.com/arakoodev/k8s-cli-agents/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("WebSocket gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logging.Setup()

	cfg, err := config.LoadGateway()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.OpenPostgres(ctx, cfg.DatabaseURL, store.PostgresConfig{
		MaxConnections: cfg.DBMaxConnections,
		IdleTimeout:    cfg.DBIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	verifier, err := capability.NewVerifier(ctx, cfg.JWKSEndpoint, capability.Audience)
	if err != nil {
		return fmt.Errorf("initialize verifier: %w", err)
	}

	srv := gateway.New(cfg, st, verifier)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP forces a key set refetch after an emergency rotation.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			refreshCtx, refreshCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := srv.ResetVerifier(refreshCtx); err != nil {
				slog.Warn("Key set refresh failed", "error", err)
			} else {
				slog.Info("Key set refreshed")
			}
			refreshCancel()
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("Shutdown did not complete cleanly", "error", err)
	}

	slog.Info("WebSocket gateway stopped")
	return nil
}
