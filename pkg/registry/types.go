// Package registry implements the client registry: the single authority for
// client identities and for delivering replies to connected clients.
package registry

import (
	"errors"
	"strconv"
)

// ClientID identifies one live connection. It is never zero.
type ClientID uint64

// NoClient is the sentinel returned when no identity could be allocated.
const NoClient ClientID = 0

func (id ClientID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Sender is the reply capability bound to one connection. Send must not
// block and must return an error once the connection is gone. Implementations
// are shared between the registry and the connection's endpoint.
type Sender interface {
	Send(text string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(text string) error

// Send calls f(text).
func (f SenderFunc) Send(text string) error {
	return f(text)
}

var (
	ErrIdentitySpaceExhausted = errors.New("registry: identity space exhausted")
	ErrDeliveryFailed         = errors.New("registry: delivery failed")
)
