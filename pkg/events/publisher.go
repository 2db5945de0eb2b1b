package events

import (
	"context"
	"errors"
)

// EventPublisher is the interface for publishing client lifecycle events.
type EventPublisher interface {
	PublishClientEvent(ctx context.Context, event *ClientEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing.
type NoOpPublisher struct{}

// PublishClientEvent is a no-op.
func (p *NoOpPublisher) PublishClientEvent(_ context.Context, _ *ClientEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ClientEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ClientEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishClientEvent calls the callback.
func (p *CallbackPublisher) PublishClientEvent(ctx context.Context, event *ClientEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher fans an event out to several publishers. Every publisher is
// called even when an earlier one fails; the errors are joined.
type MultiPublisher []EventPublisher

// NewMultiPublisher skips nil entries.
func NewMultiPublisher(pubs ...EventPublisher) MultiPublisher {
	out := make(MultiPublisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// PublishClientEvent publishes to each publisher in order.
func (m MultiPublisher) PublishClientEvent(ctx context.Context, event *ClientEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishClientEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
