package gateway

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// bearerProtocol is the subprotocol name under which browser clients
	// smuggle the attach token, since the browser WebSocket API cannot set
	// an Authorization header.
	bearerProtocol = "bearer"

	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// handleAttach serves /ws/{sessionId}. A plain GET gets the terminal client
// page; an upgrade request runs the attach checks and, when every one of
// them passes, becomes a duplex proxy to the session's pod terminal.
//
// Any pre-upgrade failure destroys the TCP connection without an HTTP
// response. A categorized status would tell an attacker which check failed;
// the legitimate client learns everything it needs from the connection
// dying.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	if !websocket.IsWebSocketUpgrade(r) {
		s.serveTerminalPage(w, r, sessionID)
		return
	}

	if !validSessionID(sessionID) {
		s.destroy(w, "path", sessionID, nil)
		return
	}

	token, fromSubprotocol := extractToken(r)
	if token == "" {
		s.destroy(w, "token missing", sessionID, nil)
		return
	}

	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.destroy(w, "verify", sessionID, err)
		return
	}

	if claims.SessionID != sessionID {
		// The token id stays unconsumed: the token never reached its own
		// session, so presenting it there must still work.
		s.destroy(w, "session binding", sessionID, nil)
		return
	}

	consumed, err := s.store.ConsumeTokenID(r.Context(), claims.ID)
	if err != nil {
		s.destroy(w, "consume", sessionID, err)
		return
	}
	if !consumed {
		s.destroy(w, "token already used", sessionID, nil)
		return
	}

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.destroy(w, "session lookup", sessionID, err)
		return
	}
	if session.PodIP == "" {
		s.destroy(w, "pod not ready", sessionID, nil)
		return
	}

	// The pod leg repeats the client's subprotocol offer, so a terminal
	// server that negotiates its own protocol sees the same handshake the
	// client sent.
	dialer := *s.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	upstreamURL := "ws://" + net.JoinHostPort(session.PodIP, strconv.Itoa(s.upstreamPort)) + "/"
	upstream, _, err := dialer.Dial(upstreamURL, nil)
	if err != nil {
		s.logger.Error("Upstream dial failed", "session", sessionID, "podIp", session.PodIP, "error", err)
		s.destroy(w, "upstream dial", sessionID, err)
		return
	}

	// Mirror the pod's protocol decision back to the client; when the pod
	// declines to pick one, fall back to confirming the bearer protocol the
	// client authenticated with.
	var responseHeader http.Header
	if negotiated := upstream.Subprotocol(); negotiated != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {negotiated}}
	} else if fromSubprotocol {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {bearerProtocol}}
	}

	client, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already wrote its own error response.
		s.logger.Warn("WebSocket upgrade failed", "session", sessionID, "error", err)
		upstream.Close()
		return
	}

	s.logger.Info("Attach established", "session", sessionID, "podIp", session.PodIP, "owner", claims.Subject)
	s.proxy(client, upstream, sessionID)
}

// extractToken pulls the attach token from the offered subprotocols, falling
// back to the token query parameter. The subprotocol form is preferred
// because query strings leak into access logs.
func extractToken(r *http.Request) (token string, fromSubprotocol bool) {
	protocols := websocket.Subprotocols(r)
	if len(protocols) >= 2 && protocols[0] == bearerProtocol {
		return protocols[1], true
	}
	return r.URL.Query().Get("token"), false
}

// destroy drops the underlying TCP connection without writing a response.
func (s *Server) destroy(w http.ResponseWriter, stage, sessionID string, err error) {
	if err != nil {
		s.logger.Warn("Attach rejected", "stage", stage, "session", sessionID, "error", err)
	} else {
		s.logger.Warn("Attach rejected", "stage", stage, "session", sessionID)
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		// Should not happen on HTTP/1.x; fall back to an opaque close.
		w.WriteHeader(http.StatusForbidden)
		return
	}
	conn, _, hijackErr := hijacker.Hijack()
	if hijackErr != nil {
		return
	}
	conn.Close()
}

// proxy splices two WebSocket connections until either side fails. The pod
// side is also pinged so half-dead pods are noticed even when the terminal
// is idle.
func (s *Server) proxy(client, upstream *websocket.Conn, sessionID string) {
	defer client.Close()
	defer upstream.Close()

	upstream.SetPongHandler(func(string) error {
		return upstream.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	errc := make(chan error, 2)
	go pump(client, upstream, errc)
	go pump(upstream, client, errc)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errc:
			if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("Proxy stream ended", "session", sessionID, "error", err)
			} else {
				s.logger.Info("Proxy stream ended", "session", sessionID)
			}
			return
		case <-ticker.C:
			if err := upstream.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.logger.Info("Upstream ping failed", "session", sessionID, "error", err)
				return
			}
		}
	}
}

// pump copies messages from src to dst, propagating close frames so each
// side sees a clean shutdown instead of an abrupt TCP reset.
func pump(src, dst *websocket.Conn, errc chan<- error) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			deadline := time.Now().Add(5 * time.Second)
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				_ = dst.WriteControl(websocket.CloseMessage, msg, deadline)
			} else {
				msg := websocket.FormatCloseMessage(websocket.CloseAbnormalClosure, "")
				_ = dst.WriteControl(websocket.CloseMessage, msg, deadline)
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			errc <- err
			return
		}
	}
}
