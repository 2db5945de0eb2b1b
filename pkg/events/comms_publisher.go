package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/action-gateway/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	ConnectedSubject    string
	DisconnectedSubject string
}

// CommsPublisher publishes client lifecycle events to COMMS subjects.
type CommsPublisher struct {
	nc                  *comms.Conn
	connectedSubject    string
	disconnectedSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{
		nc:                  nc,
		connectedSubject:    commsutil.SubjectClientConnected,
		disconnectedSubject: commsutil.SubjectClientDisconnected,
	}
	if opts != nil {
		if opts.ConnectedSubject != "" {
			p.connectedSubject = opts.ConnectedSubject
		}
		if opts.DisconnectedSubject != "" {
			p.disconnectedSubject = opts.DisconnectedSubject
		}
	}
	return p
}

// SubjectFor returns the subject events of the given kind are published on.
func (p *CommsPublisher) SubjectFor(kind Kind) string {
	if kind == KindDisconnected {
		return p.disconnectedSubject
	}
	return p.connectedSubject
}

// PublishClientEvent publishes event on the subject for its kind.
func (p *CommsPublisher) PublishClientEvent(_ context.Context, event *ClientEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	subject := p.SubjectFor(event.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for client %d", commsPublisherLogPrefix, event.Kind, event.ClientID))
	return nil
}
