package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:sessions"

// ErrSessionNotFound is returned when no open session has the given id.
var ErrSessionNotFound = errors.New("db: session not found")

// SessionRepository provides database access for session audit rows.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository with the given connection pool.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// InsertSession records a new connection.
func (r *SessionRepository) InsertSession(ctx context.Context, s *Session) error {
	slog.Debug(fmt.Sprintf("%s - InsertSession id=%s client=%d", repoLogPrefix, s.ID, s.ClientID))

	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+SessionsTable+` (id, gateway, client_id, remote_addr, protocol, connected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Gateway, s.ClientID, s.RemoteAddr, s.Protocol, s.ConnectedAt)
	if err != nil {
		return fmt.Errorf("%s - insert session %s: %w", repoLogPrefix, s.ID, err)
	}
	return nil
}

// CloseSessionParams holds parameters for CloseSession.
type CloseSessionParams struct {
	ID          string
	At          time.Time
	CloseCode   int
	CloseReason string
}

// CloseSession stamps the disconnect time and close details on an open session.
func (r *SessionRepository) CloseSession(ctx context.Context, p CloseSessionParams) error {
	slog.Debug(fmt.Sprintf("%s - CloseSession id=%s code=%d", repoLogPrefix, p.ID, p.CloseCode))

	tag, err := r.pool.Exec(ctx,
		`UPDATE `+SessionsTable+`
		 SET disconnected_at = $2, close_code = $3, close_reason = $4
		 WHERE id = $1 AND disconnected_at IS NULL`,
		p.ID, p.At, p.CloseCode, p.CloseReason)
	if err != nil {
		return fmt.Errorf("%s - close session %s: %w", repoLogPrefix, p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s - close session %s: %w", repoLogPrefix, p.ID, ErrSessionNotFound)
	}
	return nil
}

// CloseStaleSessions closes every session of gateway still marked open. It is
// run at startup, when no connection of a previous process can be alive.
func (r *SessionRepository) CloseStaleSessions(ctx context.Context, gateway, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+SessionsTable+`
		 SET disconnected_at = now(), close_reason = $2
		 WHERE gateway = $1 AND disconnected_at IS NULL`,
		gateway, reason)
	if err != nil {
		return 0, fmt.Errorf("%s - close stale sessions: %w", repoLogPrefix, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info(fmt.Sprintf("%s - Closed %d stale sessions of %s", repoLogPrefix, n, gateway))
	}
	return tag.RowsAffected(), nil
}

// ListSessionsParams holds parameters for ListSessions.
type ListSessionsParams struct {
	Gateway  string
	OpenOnly bool
	Limit    int
}

// ListSessions returns sessions, newest first.
func (r *SessionRepository) ListSessions(ctx context.Context, p ListSessionsParams) ([]Session, error) {
	limit := p.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, gateway, client_id, remote_addr, protocol, connected_at,
		        disconnected_at, close_code, close_reason
		 FROM `+SessionsTable+`
		 WHERE ($1 = '' OR gateway = $1)
		   AND (NOT $2 OR disconnected_at IS NULL)
		 ORDER BY connected_at DESC
		 LIMIT $3`,
		p.Gateway, p.OpenOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - list sessions: %w", repoLogPrefix, err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var s Session
		err := row.Scan(&s.ID, &s.Gateway, &s.ClientID, &s.RemoteAddr, &s.Protocol,
			&s.ConnectedAt, &s.DisconnectedAt, &s.CloseCode, &s.CloseReason)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s - scan sessions: %w", repoLogPrefix, err)
	}
	return sessions, nil
}

// Ping checks database connectivity.
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
