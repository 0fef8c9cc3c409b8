// Package gateway implements the WebSocket gateway: it verifies attach
// tokens against the controller's published key set, consumes their one-time
// ids in the shared store, and proxies the upgraded stream to the session's
// pod terminal.
package gateway

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/arakoodev/k8s-cli-agents/internal/capability"
	"github.com/arakoodev/k8s-cli-agents/internal/config"
	"github.com/arakoodev/k8s-cli-agents/internal/logging"
	"github.com/arakoodev/k8s-cli-agents/internal/orchestrator"
	"github.com/arakoodev/k8s-cli-agents/internal/store"
)

//go:embed static/*
var staticFiles embed.FS

var sessionIDPattern = regexp.MustCompile(`^[0-9a-f-]{36}$`)

// Server is the gateway's HTTP server.
type Server struct {
	config       *config.GatewayConfig
	store        store.Store
	verifier     *capability.Verifier
	upgrader     websocket.Upgrader
	dialer       *websocket.Dialer
	upstreamPort int
	httpServer   *http.Server
	logger       *slog.Logger
}

// New wires a gateway server from its dependencies.
func New(cfg *config.GatewayConfig, st store.Store, verifier *capability.Verifier) *Server {
	s := &Server{
		config:   cfg,
		store:    st,
		verifier: verifier,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.UpstreamConnectTimeout,
		},
		upstreamPort: orchestrator.TerminalPort,
		logger:       logging.Component("gateway"),
	}

	// WebSocket upgrades bypass CORS, so origins are validated explicitly.
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /ws/{sessionId}", s.handleAttach)

	// WriteTimeout stays 0: hijacked WebSocket connections are long-lived
	// and a write deadline set before the handler runs would kill them.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s
}

// Start blocks serving HTTP.
func (s *Server) Start() error {
	s.logger.Info("Starting WebSocket gateway", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server. Established proxy streams are not
// interrupted; Shutdown waits for them within the caller's context.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ResetVerifier refetches the controller's key set. Wired to SIGHUP so
// operators can force a refresh after an emergency key rotation.
func (s *Server) ResetVerifier(ctx context.Context) error {
	return s.verifier.Reset(ctx)
}

// handleHealthz is an unconditional liveness probe; store connectivity is
// surfaced through readyz instead, so a store outage drains traffic without
// restarting gateways that still hold live proxy streams.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") {
			if matchWildcardOrigin(origin, allowed) {
				return true
			}
		}
	}
	s.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0] // e.g., "https://"
	suffix := parts[1] // e.g., ".example.com"

	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, data map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
