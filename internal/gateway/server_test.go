package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arakoodev/k8s-cli-agents/internal/capability"
	"github.com/arakoodev/k8s-cli-agents/internal/config"
	"github.com/arakoodev/k8s-cli-agents/internal/store"
)

const (
	testSessionID  = "11111111-1111-4111-8111-111111111111"
	otherSessionID = "22222222-2222-4222-8222-222222222222"
	testOwnerID    = "key-0123456789abcdef"
)

type harness struct {
	server   *httptest.Server
	store    *store.Memory
	signer   *capability.Signer
	upstream *upstreamRecorder
}

// upstreamRecorder stands in for a runner pod's terminal server. It records
// the subprotocols each handshake offers, negotiates "bearer" when offered,
// greets, then echoes every message back with a "pod:" prefix.
type upstreamRecorder struct {
	server *httptest.Server
	port   int

	mu      sync.Mutex
	offered [][]string
}

func (up *upstreamRecorder) offeredProtocols() [][]string {
	up.mu.Lock()
	defer up.mu.Unlock()
	return append([][]string(nil), up.offered...)
}

func newUpstream(t *testing.T) *upstreamRecorder {
	t.Helper()
	up := &upstreamRecorder{}
	upgrader := websocket.Upgrader{Subprotocols: []string{"bearer"}}

	up.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.mu.Lock()
		up.offered = append(up.offered, websocket.Subprotocols(r))
		up.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte("pod-ready")); err != nil {
			return
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, append([]byte("pod:"), payload...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(up.server.Close)

	parsed, err := url.Parse(up.server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	up.port = port

	return up
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	signer, err := capability.NewEphemeralSigner()
	require.NoError(t, err)

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(signer.JWKS())
	}))
	t.Cleanup(jwksServer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	verifier, err := capability.NewVerifier(ctx, jwksServer.URL, capability.Audience)
	require.NoError(t, err)

	mem := store.NewMemory()
	upstream := newUpstream(t)

	cfg := &config.GatewayConfig{
		UpstreamConnectTimeout: 5 * time.Second,
		WSReadBufferSize:       4096,
		WSWriteBufferSize:      4096,
	}

	gw := New(cfg, mem, verifier)
	gw.upstreamPort = upstream.port

	ts := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &harness{server: ts, store: mem, signer: signer, upstream: upstream}
}

// provision inserts a session row pointing at the stub pod and returns a
// recorded attach token for it.
func (h *harness) provision(t *testing.T, sessionID, podIP string) *capability.Minted {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, h.store.InsertSession(context.Background(), store.Session{
		ID:        sessionID,
		OwnerID:   testOwnerID,
		JobName:   "wscli-" + sessionID[:13],
		PodName:   "wscli-pod",
		PodIP:     podIP,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	minted, err := h.signer.Mint(testOwnerID, sessionID, 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.store.InsertTokenID(context.Background(), minted.TokenID, sessionID, minted.ExpiresAt))
	return minted
}

func (h *harness) wsURL(sessionID string) string {
	return strings.Replace(h.server.URL, "http", "ws", 1) + "/ws/" + sessionID
}

func TestAttachProxiesBothDirections(t *testing.T) {
	h := newHarness(t)
	minted := h.provision(t, testSessionID, "127.0.0.1")

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", minted.Token}}
	conn, resp, err := dialer.Dial(h.wsURL(testSessionID), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))

	// Pod-to-caller direction.
	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pod-ready", string(greeting))

	// Caller-to-pod direction, round-tripped through the echo.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ls -la")))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pod:ls -la", string(echoed))

	// The one-time id is gone.
	assert.False(t, h.store.HasTokenID(minted.TokenID))
}

func TestAttachForwardsSubprotocolsToPod(t *testing.T) {
	h := newHarness(t)
	minted := h.provision(t, testSessionID, "127.0.0.1")

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", minted.Token}}
	conn, resp, err := dialer.Dial(h.wsURL(testSessionID), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The pod leg saw the same offer the client made, and the pod's
	// negotiation result ("bearer") is what the client was told.
	offered := h.upstream.offeredProtocols()
	require.Len(t, offered, 1)
	assert.Equal(t, []string{"bearer", minted.Token}, offered[0])
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))
}

func TestAttachTokenViaQueryParam(t *testing.T) {
	h := newHarness(t)
	minted := h.provision(t, testSessionID, "127.0.0.1")

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(testSessionID)+"?token="+minted.Token, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pod-ready", string(greeting))
}

func TestAttachReplayFails(t *testing.T) {
	h := newHarness(t)
	minted := h.provision(t, testSessionID, "127.0.0.1")

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", minted.Token}}
	conn, _, err := dialer.Dial(h.wsURL(testSessionID), nil)
	require.NoError(t, err)
	conn.Close()

	// Same token again: the one-time id is spent, the connection dies.
	_, _, err = dialer.Dial(h.wsURL(testSessionID), nil)
	assert.Error(t, err)
}

func TestAttachSessionBindingMismatch(t *testing.T) {
	h := newHarness(t)
	minted := h.provision(t, testSessionID, "127.0.0.1")

	// Present the token at a different session's URL.
	dialer := websocket.Dialer{Subprotocols: []string{"bearer", minted.Token}}
	_, _, err := dialer.Dial(h.wsURL(otherSessionID), nil)
	assert.Error(t, err)

	// The mismatch is detected before consumption, so the token still works
	// at its own session.
	assert.True(t, h.store.HasTokenID(minted.TokenID))
	conn, _, err := dialer.Dial(h.wsURL(testSessionID), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestAttachMissingToken(t *testing.T) {
	h := newHarness(t)
	h.provision(t, testSessionID, "127.0.0.1")

	_, _, err := websocket.DefaultDialer.Dial(h.wsURL(testSessionID), nil)
	assert.Error(t, err)
}

func TestAttachExpiredToken(t *testing.T) {
	h := newHarness(t)
	h.provision(t, testSessionID, "127.0.0.1")

	expired, err := h.signer.Mint(testOwnerID, testSessionID, -time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.store.InsertTokenID(context.Background(), expired.TokenID, testSessionID, expired.ExpiresAt))

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", expired.Token}}
	_, _, err = dialer.Dial(h.wsURL(testSessionID), nil)
	assert.Error(t, err)
}

func TestAttachPodNotDiscovered(t *testing.T) {
	h := newHarness(t)
	minted := h.provision(t, testSessionID, "")

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", minted.Token}}
	_, _, err := dialer.Dial(h.wsURL(testSessionID), nil)
	assert.Error(t, err)
}

func TestAttachInvalidSessionIDShape(t *testing.T) {
	h := newHarness(t)

	_, _, err := websocket.DefaultDialer.Dial(strings.Replace(h.server.URL, "http", "ws", 1)+"/ws/not-a-session", nil)
	assert.Error(t, err)
}

func TestTerminalPage(t *testing.T) {
	h := newHarness(t)

	t.Run("serves page without upgrade", func(t *testing.T) {
		resp, err := http.Get(h.server.URL + "/ws/" + testSessionID)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	})

	t.Run("rejects malformed session id", func(t *testing.T) {
		resp, err := http.Get(h.server.URL + "/ws/not-a-session")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGatewayHealthz(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}
