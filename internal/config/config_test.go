package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setControllerRequired(t *testing.T) {
	t.Setenv("RUNNER_IMAGE", "registry.example.com/wscli-runner:latest")
	t.Setenv("DATABASE_URL", "postgres://wscli@localhost/wscli")
	t.Setenv("API_KEYS", "test-key")
}

func TestLoadController_Defaults(t *testing.T) {
	setControllerRequired(t)

	cfg, err := LoadController()
	require.NoError(t, err)

	assert.Equal(t, "ws-cli", cfg.Namespace)
	assert.Equal(t, 10*time.Minute, cfg.SessionExpiry)
	assert.Equal(t, 30*time.Second, cfg.PodDiscoveryTimeout)
	assert.Equal(t, int32(20), cfg.DBMaxConnections)
	assert.Equal(t, "api-key", cfg.CallerAuthMode)
	assert.Equal(t, int32(300), cfg.JobTTLSeconds)
	assert.Equal(t, int64(3600), cfg.JobActiveDeadlineSeconds)
}

func TestLoadController_RequiredFields(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://wscli@localhost/wscli")
	t.Setenv("API_KEYS", "test-key")

	_, err := LoadController()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUNNER_IMAGE")
}

func TestLoadController_SessionExpiryClamped(t *testing.T) {
	setControllerRequired(t)
	t.Setenv("SESSION_EXPIRY_SECONDS", "3600")

	cfg, err := LoadController()
	require.NoError(t, err)
	assert.Equal(t, MaxSessionExpiry, cfg.SessionExpiry)
}

func TestLoadController_PodDiscoveryFloor(t *testing.T) {
	setControllerRequired(t)
	t.Setenv("POD_DISCOVERY_TIMEOUT", "1s")

	cfg, err := LoadController()
	require.NoError(t, err)
	assert.Equal(t, MinPodDiscoveryTimeout, cfg.PodDiscoveryTimeout)
}

func TestLoadController_AuthModeValidation(t *testing.T) {
	t.Setenv("RUNNER_IMAGE", "img")
	t.Setenv("DATABASE_URL", "postgres://wscli@localhost/wscli")

	t.Run("identity-token requires JWKS URL", func(t *testing.T) {
		t.Setenv("CALLER_AUTH_MODE", "identity-token")
		_, err := LoadController()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "IDENTITY_JWKS_URL")
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		t.Setenv("CALLER_AUTH_MODE", "mtls")
		_, err := LoadController()
		require.Error(t, err)
	})
}

func TestLoadGateway_DerivesJWKSEndpoint(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "http://controller:8080/")
	t.Setenv("DATABASE_URL", "postgres://wscli@localhost/wscli")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, "http://controller:8080/.well-known/jwks.json", cfg.JWKSEndpoint)
}

func TestLoadGateway_UpstreamTimeoutClamped(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "http://controller:8080")
	t.Setenv("DATABASE_URL", "postgres://wscli@localhost/wscli")

	t.Setenv("UPSTREAM_CONNECT_TIMEOUT", "1s")
	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.UpstreamConnectTimeout)

	t.Setenv("UPSTREAM_CONNECT_TIMEOUT", "5m")
	cfg, err = LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.UpstreamConnectTimeout)
}

func TestGetEnvDuration_MillisecondFallback(t *testing.T) {
	t.Setenv("SOME_WINDOW", "60000")
	assert.Equal(t, time.Minute, getEnvDuration("SOME_WINDOW", 0))
}
