package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arakoodev/k8s-cli-agents/internal/auth"
	"github.com/arakoodev/k8s-cli-agents/internal/orchestrator"
	"github.com/arakoodev/k8s-cli-agents/internal/store"
)

// CreateSessionResponse is the createSession success body. The token
// authorizes exactly one WebSocket attach at wsUrl.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	WSURL     string `json:"wsUrl"`
	Token     string `json:"token"`
}

// SessionResponse is the getSession success body.
type SessionResponse struct {
	SessionID string    `json:"sessionId"`
	JobName   string    `json:"jobName"`
	PodName   string    `json:"podName,omitempty"`
	PodIP     string    `json:"podIp,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleCreateSession admits the caller, provisions the runner job, waits
// for its pod IP, and mints the attach token. Success means a session row
// with a non-empty pod IP and a recorded token id both exist.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ownerID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if !s.skipRateLimit(r.URL.Path) {
		allowed, retryAfter := s.limiter.Allow(ownerID)
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validateCreateSession(&req, s.config.AllowedCodeDomains); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(s.config.SessionExpiry)
	jobName := orchestrator.JobNameForSession(sessionID)

	err = s.store.InsertSession(r.Context(), store.Session{
		ID:        sessionID,
		OwnerID:   ownerID,
		JobName:   jobName,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.logger.Error("Session insert failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if _, err := s.orch.CreateJob(r.Context(), orchestrator.JobParams{
		SessionID:    sessionID,
		CodeURL:      req.CodeURL,
		CodeChecksum: req.CodeChecksum,
		Command:      req.Command,
		Prompt:       req.Prompt,
	}); err != nil {
		s.logger.Error("Job submission failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to provision session")
		return
	}

	discoveryCtx, cancel := context.WithTimeout(r.Context(), s.config.PodDiscoveryTimeout)
	defer cancel()

	podName, podIP, err := s.orch.WaitForPodIP(discoveryCtx, sessionID)
	if err != nil {
		s.logger.Error("Pod discovery failed", "session", sessionID, "error", err)
		// The session id lets the caller correlate the stranded job; the row
		// expires on its own.
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":     "pod discovery timed out",
			"sessionId": sessionID,
		})
		return
	}

	if err := s.store.UpdateSessionPod(r.Context(), sessionID, podIP, podName); err != nil {
		s.logger.Error("Pod record failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	minted, err := s.signer.Mint(ownerID, sessionID, s.config.SessionExpiry)
	if err != nil {
		s.logger.Error("Token mint failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if err := s.store.InsertTokenID(r.Context(), minted.TokenID, sessionID, minted.ExpiresAt); err != nil {
		s.logger.Error("Token record failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.logger.Info("Session created", "session", sessionID, "job", jobName, "podIp", podIP)

	writeJSON(w, http.StatusOK, CreateSessionResponse{
		SessionID: sessionID,
		WSURL:     "/ws/" + sessionID,
		Token:     minted.Token,
	})
}

// handleGetSession returns the caller's session row.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !validSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	ownerID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("Session read failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read session")
		return
	}

	if session.OwnerID != ownerID {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID: session.ID,
		JobName:   session.JobName,
		PodName:   session.PodName,
		PodIP:     session.PodIP,
		CreatedAt: session.CreatedAt,
		ExpiresAt: session.ExpiresAt,
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	ownerID, err := s.authn.Authenticate(r)
	if err != nil {
		if !errors.Is(err, auth.ErrMissingCredentials) && !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Warn("Authentication error", "error", err)
		}
		return "", err
	}
	return ownerID, nil
}

func (s *Server) skipRateLimit(path string) bool {
	for _, p := range s.config.RateLimitSkipPaths {
		if p == path {
			return true
		}
	}
	return false
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
