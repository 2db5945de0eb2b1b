// Package dispatch provides the unbounded, ordered, many-producer /
// single-consumer queue that carries decoded client actions to the command
// processor.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/registry"
)

// ErrChannelClosed is returned by Tx.Send once either side has been closed,
// and by Rx.Recv once the channel is closed and drained.
var ErrChannelClosed = errors.New("dispatch: channel closed")

// Request is one decoded client message together with its reply path.
type Request struct {
	ClientID registry.ClientID
	Action   *action.Action
	// Payload is non-nil for binary messages (possibly empty) and nil for text.
	Payload []byte
	Sender  registry.Sender
}

// HasPayload reports whether the request came from a binary message.
func (r Request) HasPayload() bool {
	return r.Payload != nil
}

type queue struct {
	mu     sync.Mutex
	items  []Request
	closed bool
	notify chan struct{}
}

// Tx is the sending half. It is safe for concurrent use by many producers.
type Tx struct {
	q *queue
}

// Rx is the receiving half. It must have a single consumer.
type Rx struct {
	q *queue
}

// New creates a connected Tx/Rx pair.
func New() (*Tx, *Rx) {
	q := &queue{notify: make(chan struct{}, 1)}
	return &Tx{q: q}, &Rx{q: q}
}

// Send enqueues r without blocking.
func (tx *Tx) Send(r Request) error {
	q := tx.q
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrChannelClosed
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Close stops accepting requests. Requests already queued are still delivered.
func (tx *Tx) Close() {
	tx.q.close(false)
}

// Recv returns the next request in submission order, blocking until one is
// available, the channel is closed and drained (ErrChannelClosed), or ctx is done.
func (rx *Rx) Recv(ctx context.Context) (Request, error) {
	q := rx.q
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = Request{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return r, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Request{}, ErrChannelClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Request{}, ctx.Err()
		}
	}
}

// Close marks the consumer as gone: pending requests are dropped and further
// sends fail with ErrChannelClosed.
func (rx *Rx) Close() {
	rx.q.close(true)
}

// Len returns the number of queued requests.
func (rx *Rx) Len() int {
	rx.q.mu.Lock()
	defer rx.q.mu.Unlock()
	return len(rx.q.items)
}

func (q *queue) close(drop bool) {
	q.mu.Lock()
	q.closed = true
	if drop {
		q.items = nil
	}
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
