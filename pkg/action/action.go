// Package action defines the JSON command envelope exchanged with gateway clients.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
)

const logPrefix = "action:action"

// TypeServerErr is the action type of error replies produced by the gateway.
const TypeServerErr = "server_err"

// ErrParse is returned (wrapped) when a document cannot be decoded as an Action.
var ErrParse = errors.New("action: parse error")

// Action is the JSON envelope carried by every client message.
type Action struct {
	ID     string             `json:"id,omitempty"`
	Type   string             `json:"type"`
	Method string             `json:"method,omitempty"`
	Params json.RawMessage    `json:"params,omitempty"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
	Error  *ActionError       `json:"error,omitempty"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	TenantID      string `json:"tenantId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// ActionError describes a failure reported back to a client.
// Context names the stage that failed (e.g. "BinaryToAction").
type ActionError struct {
	Context string `json:"context"`
	Message string `json:"message"`
}

func (e *ActionError) Error() string {
	return e.Context + ": " + e.Message
}

// NewActionError creates a new ActionError.
func NewActionError(context, message string) *ActionError {
	return &ActionError{Context: context, Message: message}
}

// ServerErr wraps err in an error reply action.
func ServerErr(err *ActionError) *Action {
	return &Action{Type: TypeServerErr, Error: err}
}

// Parse decodes a JSON document into an Action. The document must be a JSON
// object with a non-empty "type".
func Parse(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if a.Type == "" {
		return nil, fmt.Errorf("%w: missing field `type`", ErrParse)
	}
	return &a, nil
}

// Encode serializes the action to its textual JSON form.
func (a *Action) Encode() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("%s - failed to encode action %q: %w", logPrefix, a.Type, err)
	}
	return string(data), nil
}

// IsServerErr reports whether a is an error reply.
func (a *Action) IsServerErr() bool {
	return a != nil && a.Type == TypeServerErr
}
