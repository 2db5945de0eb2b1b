package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/action-gateway/pkg/events"
)

const recorderLogPrefix = "db:recorder"

// SessionStore is the part of SessionRepository the recorder writes through.
type SessionStore interface {
	InsertSession(ctx context.Context, s *Session) error
	CloseSession(ctx context.Context, p CloseSessionParams) error
}

// SessionRecorder is an events.EventPublisher that keeps the audit table in
// step with client lifecycle events.
type SessionRecorder struct {
	store   SessionStore
	gateway string
}

var _ events.EventPublisher = (*SessionRecorder)(nil)

// NewSessionRecorder creates a recorder writing rows tagged with gateway.
func NewSessionRecorder(store SessionStore, gateway string) *SessionRecorder {
	return &SessionRecorder{store: store, gateway: gateway}
}

// PublishClientEvent inserts a row on connect and closes it on disconnect.
func (r *SessionRecorder) PublishClientEvent(ctx context.Context, e *events.ClientEvent) error {
	id, err := uuid.Parse(e.SessionID)
	if err != nil {
		return fmt.Errorf("%s - invalid session id %q: %w", recorderLogPrefix, e.SessionID, err)
	}
	at := eventTime(e.Timestamp)

	switch e.Kind {
	case events.KindConnected:
		return r.store.InsertSession(ctx, &Session{
			ID:          id.String(),
			Gateway:     r.gateway,
			ClientID:    int64(e.ClientID),
			RemoteAddr:  e.RemoteAddr,
			Protocol:    e.Protocol,
			ConnectedAt: at,
		})
	case events.KindDisconnected:
		return r.store.CloseSession(ctx, CloseSessionParams{
			ID:          id.String(),
			At:          at,
			CloseCode:   e.CloseCode,
			CloseReason: e.Reason,
		})
	default:
		slog.Debug(fmt.Sprintf("%s - ignoring event kind %q", recorderLogPrefix, e.Kind))
		return nil
	}
}

func eventTime(ts string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	return time.Now().UTC()
}
