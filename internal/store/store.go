// Package store provides the shared session and token-id store consumed by
// both the controller and the gateway.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row is absent or expired.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert violates a primary key or
	// unique constraint.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Session is one workload attach unit. PodName and PodIP stay empty until
// pod discovery completes; once set they are never cleared.
type Session struct {
	ID        string
	OwnerID   string
	JobName   string
	PodName   string
	PodIP     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the durable state shared between controller and gateway. Rows
// whose expiry has passed are treated as absent; physical cleanup may lag.
type Store interface {
	// InsertSession writes a new session row. Fails with ErrDuplicate on a
	// sessionId or jobName collision.
	InsertSession(ctx context.Context, s Session) error

	// UpdateSessionPod records the discovered pod for a session. The update
	// only applies while the session's pod is unset, keeping the
	// empty-to-set transition monotonic. Returns ErrNotFound if no row was
	// updated.
	UpdateSessionPod(ctx context.Context, sessionID, podIP, podName string) error

	// GetSession returns the session row, or ErrNotFound if absent or
	// expired.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// InsertTokenID records a minted capability token id. Fails with
	// ErrDuplicate if the id already exists.
	InsertTokenID(ctx context.Context, tokenID, sessionID string, expiresAt time.Time) error

	// ConsumeTokenID atomically deletes the token id row and reports whether
	// a live row was removed. Concurrent calls for the same id yield at most
	// one true result.
	ConsumeTokenID(ctx context.Context, tokenID string) (bool, error)

	// PurgeExpired removes expired session and token rows. Correctness never
	// depends on it; it bounds table growth.
	PurgeExpired(ctx context.Context) (int64, error)

	// Ping verifies store connectivity for health probes.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
