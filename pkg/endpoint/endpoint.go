// Package endpoint adapts one client connection to the gateway: it decodes
// inbound messages, submits them to the dispatch channel and keeps the
// registry entry for the connection in step with its lifecycle.
package endpoint

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/dispatch"
	"github.com/morezero/action-gateway/pkg/frame"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/registry"
)

const logPrefix = "endpoint:endpoint"

// Error contexts reported to clients. Clients match on these labels.
const (
	ContextBinary = "BinaryToAction"
	ContextString = "StringToAction"
)

// MessageKind is the transport-level kind of an inbound message.
type MessageKind int

const (
	Text MessageKind = iota
	Binary
)

func (k MessageKind) String() string {
	if k == Binary {
		return metrics.KindBinary
	}
	return metrics.KindText
}

// ErrDispatchClosed is returned by OnMessage when the command processor is
// gone. The transport must close the connection.
var ErrDispatchClosed = errors.New("endpoint: dispatch channel closed")

// ErrConnectionClosed is returned by OnMessage when the connection is already
// closing. The message is dropped: the identity may belong to another
// connection by now.
var ErrConnectionClosed = errors.New("endpoint: connection closed")

// ClientRemover is the part of the registry an endpoint needs. Removal is
// bound to the endpoint's own reply capability.
type ClientRemover interface {
	ReleaseClient(id registry.ClientID, s registry.Sender) bool
}

// Closer is implemented by senders that can terminate their connection.
type Closer interface {
	CloseWithError(reason string) error
}

// closedReporter is implemented by senders that know when their connection
// has started closing.
type closedReporter interface {
	Closed() bool
}

// Params holds parameters for New.
type Params struct {
	ID       registry.ClientID
	Registry ClientRemover
	Out      registry.Sender
	Tx       *dispatch.Tx
	Metrics  *metrics.Metrics
}

// Client is the endpoint for one connection.
type Client struct {
	id       registry.ClientID
	registry ClientRemover
	out      registry.Sender
	tx       *dispatch.Tx
	metrics  *metrics.Metrics
}

// New creates the endpoint for a connection that already holds identity p.ID.
func New(p Params) *Client {
	return &Client{
		id:       p.ID,
		registry: p.Registry,
		out:      p.Out,
		tx:       p.Tx,
		metrics:  p.Metrics,
	}
}

// ID returns the client identity.
func (c *Client) ID() registry.ClientID {
	return c.id
}

// OnMessage handles one inbound message. Decode failures are answered on the
// connection itself; the returned error is non-nil only when the connection
// can no longer be served.
func (c *Client) OnMessage(kind MessageKind, data []byte) error {
	c.metrics.MessageReceived(kind.String())

	if kind == Binary {
		a, payload, err := frame.Decode(data)
		if err != nil {
			return c.replyError(ContextBinary, err)
		}
		return c.submit(a, payload)
	}

	a, err := action.Parse(data)
	if err != nil {
		return c.replyError(ContextString, err)
	}
	return c.submit(a, nil)
}

func (c *Client) submit(a *action.Action, payload []byte) error {
	if cr, ok := c.out.(closedReporter); ok && cr.Closed() {
		slog.Debug(fmt.Sprintf("%s - client %d: connection closing, dropping %s", logPrefix, c.id, a.Type))
		return ErrConnectionClosed
	}
	err := c.tx.Send(dispatch.Request{
		ClientID: c.id,
		Action:   a,
		Payload:  payload,
		Sender:   c.out,
	})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - client %d: dispatch failed: %v", logPrefix, c.id, err))
		c.OnError(fmt.Errorf("%s - there was an error sending the action to the service: %w", logPrefix, err))
		return ErrDispatchClosed
	}
	c.metrics.Dispatched()
	slog.Debug(fmt.Sprintf("%s - client %d: dispatched %s (payload=%t)", logPrefix, c.id, a.Type, payload != nil))
	return nil
}

func (c *Client) replyError(context string, cause error) error {
	c.metrics.DecodeError(context)
	slog.Debug(fmt.Sprintf("%s - client %d: %s: %v", logPrefix, c.id, context, cause))

	text, err := action.ServerErr(action.NewActionError(context, cause.Error())).Encode()
	if err != nil {
		return err
	}
	if err := c.out.Send(text); err != nil {
		return fmt.Errorf("%s - client %d: error reply not sent: %w", logPrefix, c.id, err)
	}
	return nil
}

// OnClose releases the client identity if this connection still holds it.
// Safe to call more than once.
func (c *Client) OnClose(code int, reason string) {
	slog.Debug(fmt.Sprintf("%s - disconnecting client %d (code=%d reason=%q)", logPrefix, c.id, code, reason))
	c.registry.ReleaseClient(c.id, c.out)
}

// OnError releases the client identity and closes the connection.
func (c *Client) OnError(err error) {
	slog.Warn(fmt.Sprintf("%s - client %d on_error: %v", logPrefix, c.id, err))
	c.registry.ReleaseClient(c.id, c.out)

	closer, ok := c.out.(Closer)
	if !ok {
		return
	}
	if cerr := closer.CloseWithError("internal error"); cerr != nil {
		slog.Debug(fmt.Sprintf("%s - client %d: error closing socket: %v", logPrefix, c.id, cerr))
		return
	}
	slog.Debug(fmt.Sprintf("%s - client %d: socket closed", logPrefix, c.id))
}
