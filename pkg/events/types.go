// Package events defines client lifecycle events and the publishers that
// deliver them.
package events

import (
	"time"

	"github.com/morezero/action-gateway/pkg/registry"
)

// Kind is the lifecycle transition an event records.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
)

// ClientEvent is emitted when a client is bound to an identity and again when
// the identity is released.
type ClientEvent struct {
	Kind       Kind              `json:"kind"`
	ClientID   registry.ClientID `json:"clientId"`
	SessionID  string            `json:"sessionId"`
	RemoteAddr string            `json:"remoteAddr,omitempty"`
	Protocol   string            `json:"protocol,omitempty"`
	CloseCode  int               `json:"closeCode,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

// NewClientEvent stamps an event with the current UTC time.
func NewClientEvent(kind Kind, id registry.ClientID, sessionID string) *ClientEvent {
	return &ClientEvent{
		Kind:      kind,
		ClientID:  id,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
