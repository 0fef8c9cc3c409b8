// Package controller implements the session controller: caller admission,
// workload validation, orchestrator job submission, pod discovery, and
// capability token minting.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arakoodev/k8s-cli-agents/internal/auth"
	"github.com/arakoodev/k8s-cli-agents/internal/capability"
	"github.com/arakoodev/k8s-cli-agents/internal/config"
	"github.com/arakoodev/k8s-cli-agents/internal/logging"
	"github.com/arakoodev/k8s-cli-agents/internal/orchestrator"
	"github.com/arakoodev/k8s-cli-agents/internal/store"
)

// purgeInterval bounds how long expired rows linger before the sweeper
// removes them. Expired rows are already invisible to reads.
const purgeInterval = time.Minute

// Orchestrator is the slice of the Kubernetes client the controller needs.
type Orchestrator interface {
	CreateJob(ctx context.Context, p orchestrator.JobParams) (string, error)
	WaitForPodIP(ctx context.Context, sessionID string) (podName, podIP string, err error)
}

// Server is the session controller's HTTP server.
type Server struct {
	config     *config.ControllerConfig
	store      store.Store
	signer     *capability.Signer
	authn      auth.Authenticator
	orch       Orchestrator
	limiter    *RateLimiter
	httpServer *http.Server
	logger     *slog.Logger
	done       chan struct{}
}

// New wires a controller server from its dependencies.
func New(cfg *config.ControllerConfig, st store.Store, signer *capability.Signer, authn auth.Authenticator, orch Orchestrator) *Server {
	s := &Server{
		config:  cfg,
		store:   st,
		signer:  signer,
		authn:   authn,
		orch:    orch,
		limiter: NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
		logger:  logging.Component("controller"),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestIDMiddleware(corsMiddleware(mux, cfg.AllowedOrigins)),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return s
}

// Start runs the expiry sweeper and blocks serving HTTP.
func (s *Server) Start() error {
	go s.runExpirySweeper()

	s.logger.Info("Starting session controller", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and its background work.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
}

// runExpirySweeper periodically removes expired session and token rows.
// Reads never see expired rows, so this only bounds table growth.
func (s *Server) runExpirySweeper() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			purged, err := s.store.PurgeExpired(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("Expiry sweep failed", "error", err)
				continue
			}
			if purged > 0 {
				s.logger.Info("Expired rows purged", "rows", purged)
			}
		}
	}
}

// requestIDMiddleware tags every request with an id, honoring one supplied
// by an upstream proxy.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:] // includes the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
