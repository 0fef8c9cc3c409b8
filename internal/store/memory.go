package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store with the same visibility and single-use
// semantics as the Postgres implementation. It backs handler tests; nothing
// in the deployed services uses it.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]Session
	jobNames map[string]struct{}
	tokenIDs map[string]tokenRow
	now      func() time.Time
}

type tokenRow struct {
	sessionID string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Session),
		jobNames: make(map[string]struct{}),
		tokenIDs: make(map[string]tokenRow),
		now:      time.Now,
	}
}

// SetClock overrides the store's notion of now. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) InsertSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("insert session %s: %w", s.ID, ErrDuplicate)
	}
	if _, ok := m.jobNames[s.JobName]; ok {
		return fmt.Errorf("insert session %s: %w", s.ID, ErrDuplicate)
	}
	m.sessions[s.ID] = s
	m.jobNames[s.JobName] = struct{}{}
	return nil
}

func (m *Memory) UpdateSessionPod(_ context.Context, sessionID, podIP, podName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.ExpiresAt.After(m.now()) || s.PodIP != "" {
		return fmt.Errorf("update session pod %s: %w", sessionID, ErrNotFound)
	}
	s.PodIP = podIP
	s.PodName = podName
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.ExpiresAt.After(m.now()) {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

func (m *Memory) InsertTokenID(_ context.Context, tokenID, sessionID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokenIDs[tokenID]; ok {
		return fmt.Errorf("insert token id: %w", ErrDuplicate)
	}
	m.tokenIDs[tokenID] = tokenRow{sessionID: sessionID, expiresAt: expiresAt}
	return nil
}

func (m *Memory) ConsumeTokenID(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tokenIDs[tokenID]
	if !ok {
		return false, nil
	}
	delete(m.tokenIDs, tokenID)
	if !row.expiresAt.After(m.now()) {
		return false, nil
	}
	return true, nil
}

func (m *Memory) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var total int64
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			delete(m.jobNames, s.JobName)
			total++
		}
	}
	for id, row := range m.tokenIDs {
		if !row.expiresAt.After(now) {
			delete(m.tokenIDs, id)
			total++
		}
	}
	return total, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

// HasTokenID reports whether a token id row is still present. Test hook.
func (m *Memory) HasTokenID(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokenIDs[tokenID]
	return ok
}
