package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sessions and token ids are ephemeral by design, so both tables are
// UNLOGGED: losing them on a crash only invalidates in-flight sessions.
// The insert triggers piggyback expiry cleanup on write traffic; the
// background sweeper covers quiet periods.
const schema = `
CREATE UNLOGGED TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	job_name   TEXT NOT NULL UNIQUE,
	pod_name   TEXT,
	pod_ip     TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE UNLOGGED TABLE IF NOT EXISTS token_ids (
	token_id   TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_ids_expires ON token_ids(expires_at);

CREATE OR REPLACE FUNCTION purge_expired_sessions() RETURNS trigger AS $$
BEGIN
	DELETE FROM sessions WHERE expires_at < now();
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION purge_expired_token_ids() RETURNS trigger AS $$
BEGIN
	DELETE FROM token_ids WHERE expires_at < now();
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER trg_sessions_purge
	AFTER INSERT OR UPDATE ON sessions
	FOR EACH STATEMENT EXECUTE FUNCTION purge_expired_sessions();

CREATE OR REPLACE TRIGGER trg_token_ids_purge
	AFTER INSERT ON token_ids
	FOR EACH STATEMENT EXECUTE FUNCTION purge_expired_token_ids();
`

// Postgres implements Store on a pgx connection pool shared across handlers
// within a replica. Handlers hold a connection only for the duration of a
// query, never across a proxied stream.
type Postgres struct {
	pool *pgxpool.Pool
}

// PostgresConfig sizes the connection pool.
type PostgresConfig struct {
	MaxConnections int32
	IdleTimeout    time.Duration
}

// OpenPostgres connects to the shared store and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InsertSession writes a new session row.
func (p *Postgres) InsertSession(ctx context.Context, s Session) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, owner_id, job_name, pod_name, pod_ip, created_at, expires_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		s.ID, s.OwnerID, s.JobName, s.PodName, s.PodIP, s.CreatedAt, s.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert session %s: %w", s.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionPod records the discovered pod. The pod_ip IS NULL guard
// keeps the transition monotonic.
func (p *Postgres) UpdateSessionPod(ctx context.Context, sessionID, podIP, podName string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET pod_ip = $2, pod_name = $3
		 WHERE session_id = $1 AND pod_ip IS NULL AND expires_at > now()`,
		sessionID, podIP, podName,
	)
	if err != nil {
		return fmt.Errorf("update session pod: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session pod %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// GetSession returns the session row; expired rows are absent.
func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx,
		`SELECT session_id, owner_id, job_name, COALESCE(pod_name, ''), COALESCE(pod_ip, ''), created_at, expires_at
		 FROM sessions WHERE session_id = $1 AND expires_at > now()`,
		sessionID,
	).Scan(&s.ID, &s.OwnerID, &s.JobName, &s.PodName, &s.PodIP, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// InsertTokenID records a minted token id.
func (p *Postgres) InsertTokenID(ctx context.Context, tokenID, sessionID string, expiresAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO token_ids (token_id, session_id, expires_at) VALUES ($1, $2, $3)`,
		tokenID, sessionID, expiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert token id: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert token id: %w", err)
	}
	return nil
}

// ConsumeTokenID deletes the row for the token id and reports whether a live
// row was removed. A single DELETE is linearizable with respect to itself, so
// concurrent consumers for the same id see at most one true result.
func (p *Postgres) ConsumeTokenID(ctx context.Context, tokenID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM token_ids WHERE token_id = $1 AND expires_at > now()`,
		tokenID,
	)
	if err != nil {
		return false, fmt.Errorf("consume token id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired removes expired rows from both tables.
func (p *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	total += tag.RowsAffected()
	tag, err = p.pool.Exec(ctx, `DELETE FROM token_ids WHERE expires_at < now()`)
	if err != nil {
		return total, fmt.Errorf("purge token ids: %w", err)
	}
	total += tag.RowsAffected()
	return total, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
