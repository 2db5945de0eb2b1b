// Package bridge is the command processor that connects the dispatch channel
// to the COMMS bus: it forwards every decoded request to the subject its route
// names and delivers replies from the bus back through the registry.
package bridge

import (
	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/registry"
)

// Envelope is the JSON document published for each client request. Payload is
// base64 encoded by encoding/json.
type Envelope struct {
	ClientID   registry.ClientID `json:"clientId"`
	Action     *action.Action    `json:"action"`
	Payload    []byte            `json:"payload,omitempty"`
	HasPayload bool              `json:"hasPayload"`
	Gateway    string            `json:"gateway,omitempty"`
	// ReplySubject is where out-of-band replies for this client are accepted.
	ReplySubject string `json:"replySubject,omitempty"`
}

// Reply is an out-of-band reply received on the reply subject. ClientID 0
// addresses every connected client.
type Reply struct {
	ClientID registry.ClientID `json:"clientId"`
	Action   *action.Action    `json:"action"`
}
