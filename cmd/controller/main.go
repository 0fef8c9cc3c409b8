// Session controller - admission, job provisioning, and capability minting.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arakoodev/k8s-cli-agents/internal/auth"
	"github.com/arakoodev/k8s-cli-agents/internal/capability"
	"github.com/arakoodev/k8s-cli-agents/internal/config"
	"github.com/arakoodev/k8s-cli-agents/internal/controller"
	"github.com/arakoodev/k8s-cli-agents/internal/logging"
	"github.com/arakoodev/k8s-cli-agents/internal/orchestrator"
	"github.com/arakoodev/k8s-cli-agents/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Session controller failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logging.Setup()

	cfg, err := config.LoadController()
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

	var signer *capability.Signer
	if cfg.KeyMaterial != "" {
		signer, err = capability.LoadSigner(cfg.KeyMaterial)
	} else {
		slog.Warn("No key material configured; using an ephemeral signing key")
		signer, err = capability.NewEphemeralSigner()
	}
	if err != nil {
		return fmt.Errorf("initialize signer: %w", err)
	}

	var authn auth.Authenticator
	switch cfg.CallerAuthMode {
	case "api-key":
		authn = auth.NewAPIKeyAuthenticator(cfg.APIKeys)
	case "identity-token":
		authn, err = auth.NewIdentityAuthenticator(cfg.IdentityJWKSURL, cfg.IdentityIssuer, cfg.IdentityAudience)
		if err != nil {
			return fmt.Errorf("initialize identity authenticator: %w", err)
		}
	}

	orch, err := orchestrator.New(cfg.Kubeconfig, cfg.Namespace, orchestrator.JobConfig{
		RunnerImage:             cfg.RunnerImage,
		TTLSecondsAfterFinished: cfg.JobTTLSeconds,
		ActiveDeadlineSeconds:   cfg.JobActiveDeadlineSeconds,
	})
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	srv := controller.New(cfg, st, signer, authn, orch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

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

	slog.Info("Session controller stopped")
	return nil
}
