package db

import "time"

// SessionsTable is the audit table holding one row per client connection.
const SessionsTable = "gateway_sessions"

// Session is one client connection as recorded in the audit store.
type Session struct {
	ID             string
	Gateway        string
	ClientID       int64
	RemoteAddr     string
	Protocol       string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	CloseCode      *int
	CloseReason    *string
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.DisconnectedAt == nil
}
