// Package config provides environment-driven configuration for the
// session controller and the WebSocket gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Limits that are not overridable by configuration.
const (
	MaxSessionExpiry       = 15 * time.Minute
	MinPodDiscoveryTimeout = 5 * time.Second
)

// ControllerConfig holds all configuration for the session controller.
type ControllerConfig struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Orchestrator settings
	Namespace                string
	RunnerImage              string
	Kubeconfig               string // empty means in-cluster
	JobTTLSeconds            int32
	JobActiveDeadlineSeconds int64
	PodDiscoveryTimeout      time.Duration

	// Session settings
	SessionExpiry      time.Duration
	AllowedCodeDomains []string

	// Caller admission
	CallerAuthMode   string // "api-key" or "identity-token"
	APIKeys          []string
	IdentityJWKSURL  string
	IdentityIssuer   string
	IdentityAudience string

	// Rate limiting (per authenticated caller)
	RateLimitWindow    time.Duration
	RateLimitMax       int
	RateLimitSkipPaths []string

	// Capability signing
	KeyMaterial string // path to a PEM-encoded EC private key; empty generates an ephemeral key

	// Shared store
	DatabaseURL      string
	DBMaxConnections int32
	DBIdleTimeout    time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// GatewayConfig holds all configuration for the WebSocket gateway.
type GatewayConfig struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Controller settings; the JWKS endpoint is derived from ControllerURL
	// unless set explicitly.
	ControllerURL string
	JWKSEndpoint  string

	// Upstream (runner pod) settings
	UpstreamConnectTimeout time.Duration

	// Shared store
	DatabaseURL      string
	DBMaxConnections int32
	DBIdleTimeout    time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// HTTP server timeouts. WriteTimeout stays 0: proxied WebSocket
	// connections are long-lived and a non-zero value would set a deadline
	// on the hijacked net.Conn before the handler runs.
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
}

// LoadController reads controller configuration from environment variables.
func LoadController() (*ControllerConfig, error) {
	cfg := &ControllerConfig{
		Port:           getEnvInt("CONTROLLER_PORT", 8080),
		Host:           getEnv("CONTROLLER_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		Namespace:                getEnv("NAMESPACE", "ws-cli"),
		RunnerImage:              getEnv("RUNNER_IMAGE", ""),
		Kubeconfig:               getEnv("KUBECONFIG_PATH", ""),
		JobTTLSeconds:            int32(getEnvInt("JOB_TTL_SECONDS", 300)),
		JobActiveDeadlineSeconds: int64(getEnvInt("JOB_ACTIVE_DEADLINE_SECONDS", 3600)),
		PodDiscoveryTimeout:      getEnvDuration("POD_DISCOVERY_TIMEOUT", 30*time.Second),

		SessionExpiry:      time.Duration(getEnvInt("SESSION_EXPIRY_SECONDS", 600)) * time.Second,
		AllowedCodeDomains: getEnvStringSlice("ALLOWED_CODE_DOMAINS", []string{"github.com", "*.github.com", "gitlab.com"}),

		CallerAuthMode:   getEnv("CALLER_AUTH_MODE", "api-key"),
		APIKeys:          getEnvStringSlice("API_KEYS", nil),
		IdentityJWKSURL:  getEnv("IDENTITY_JWKS_URL", ""),
		IdentityIssuer:   getEnv("IDENTITY_ISSUER", ""),
		IdentityAudience: getEnv("IDENTITY_AUDIENCE", "ws-cli"),

		RateLimitWindow:    getEnvDuration("SESSION_RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMax:       getEnvInt("SESSION_RATE_LIMIT_MAX", 10),
		RateLimitSkipPaths: getEnvStringSlice("SESSION_RATE_LIMIT_SKIP_PATHS", nil),

		KeyMaterial: getEnv("KEY_MATERIAL", ""),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DBMaxConnections: int32(getEnvInt("DB_MAX_CONNECTIONS", 20)),
		DBIdleTimeout:    getEnvDuration("DB_IDLE_TIMEOUT", 30*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	if cfg.RunnerImage == "" {
		return nil, fmt.Errorf("RUNNER_IMAGE is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.CallerAuthMode {
	case "api-key":
		if len(cfg.APIKeys) == 0 {
			return nil, fmt.Errorf("API_KEYS is required when CALLER_AUTH_MODE=api-key")
		}
	case "identity-token":
		if cfg.IdentityJWKSURL == "" {
			return nil, fmt.Errorf("IDENTITY_JWKS_URL is required when CALLER_AUTH_MODE=identity-token")
		}
	default:
		return nil, fmt.Errorf("CALLER_AUTH_MODE must be api-key or identity-token, got %q", cfg.CallerAuthMode)
	}

	if cfg.SessionExpiry > MaxSessionExpiry {
		cfg.SessionExpiry = MaxSessionExpiry
	}
	if cfg.PodDiscoveryTimeout < MinPodDiscoveryTimeout {
		cfg.PodDiscoveryTimeout = MinPodDiscoveryTimeout
	}

	return cfg, nil
}

// LoadGateway reads gateway configuration from environment variables.
func LoadGateway() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		Port:           getEnvInt("GATEWAY_PORT", 8081),
		Host:           getEnv("GATEWAY_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		ControllerURL: getEnv("CONTROLLER_URL", ""),
		JWKSEndpoint:  getEnv("JWKS_ENDPOINT", ""),

		UpstreamConnectTimeout: getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DBMaxConnections: int32(getEnvInt("DB_MAX_CONNECTIONS", 20)),
		DBIdleTimeout:    getEnvDuration("DB_IDLE_TIMEOUT", 30*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	if cfg.ControllerURL == "" && cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("CONTROLLER_URL or JWKS_ENDPOINT is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Derive JWKS endpoint if not set
	if cfg.JWKSEndpoint == "" {
		cfg.JWKSEndpoint = strings.TrimRight(cfg.ControllerURL, "/") + "/.well-known/jwks.json"
	}

	// The upstream dial must complete in bounded time; clamp to [5s, 30s].
	if cfg.UpstreamConnectTimeout < 5*time.Second {
		cfg.UpstreamConnectTimeout = 5 * time.Second
	}
	if cfg.UpstreamConnectTimeout > 30*time.Second {
		cfg.UpstreamConnectTimeout = 30 * time.Second
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
// Plain integers are interpreted as milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
