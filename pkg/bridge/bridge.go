package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/dispatch"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/registry"
	"github.com/morezero/action-gateway/pkg/routes"
)

const (
	logPrefix = "bridge:bridge"

	// ContextBridge labels error replies produced when a request could not
	// be forwarded or answered.
	ContextBridge = "ActionBridge"

	defaultRequestTimeout = 25 * time.Second
)

// Replier delivers actions to connected clients.
type Replier interface {
	SocketReply(id registry.ClientID, a *action.Action)
	Broadcast(a *action.Action) int
}

// Params holds parameters for New.
type Params struct {
	Conn     *comms.Conn
	Rx       *dispatch.Rx
	Routes   *routes.Table
	Registry Replier
	Metrics  *metrics.Metrics
	// Name identifies the gateway in published envelopes.
	Name string
	// ReplySubject receives out-of-band replies. Empty uses gateway.reply.
	ReplySubject string
	// RequestTimeout bounds request-mode routes without their own timeout.
	RequestTimeout time.Duration
}

// Bridge forwards dispatch requests to COMMS and replies back to clients.
type Bridge struct {
	nc             *comms.Conn
	rx             *dispatch.Rx
	routes         *routes.Table
	registry       Replier
	metrics        *metrics.Metrics
	name           string
	replySubject   string
	requestTimeout time.Duration

	sub      *comms.Subscription
	inflight sync.WaitGroup
}

// New creates a new Bridge.
func New(p Params) *Bridge {
	b := &Bridge{
		nc:             p.Conn,
		rx:             p.Rx,
		routes:         p.Routes,
		registry:       p.Registry,
		metrics:        p.Metrics,
		name:           p.Name,
		replySubject:   p.ReplySubject,
		requestTimeout: p.RequestTimeout,
	}
	if b.replySubject == "" {
		b.replySubject = commsutil.SubjectReply
	}
	if b.requestTimeout <= 0 {
		b.requestTimeout = defaultRequestTimeout
	}
	return b
}

// ReplySubject returns the subject out-of-band replies are accepted on.
func (b *Bridge) ReplySubject() string {
	return b.replySubject
}

// Start subscribes to the reply subject.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.replySubject, b.handleReply)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, b.replySubject, err)
	}
	b.sub = sub
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, b.replySubject))
	return nil
}

// Run consumes the dispatch channel until it is closed and drained, or ctx is
// done. It waits for in-flight request-mode routes before returning.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.inflight.Wait()
	for {
		req, err := b.rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, dispatch.ErrChannelClosed) {
				slog.Info(fmt.Sprintf("%s - dispatch channel closed, bridge stopping", logPrefix))
				return nil
			}
			return err
		}
		b.metrics.SetQueueDepth(b.rx.Len())
		b.forward(ctx, req)
	}
}

// Close unsubscribes from the reply subject.
func (b *Bridge) Close() {
	if b.sub == nil {
		return
	}
	if err := b.sub.Unsubscribe(); err != nil {
		slog.Debug(fmt.Sprintf("%s - unsubscribe %s: %v", logPrefix, b.replySubject, err))
	}
	b.sub = nil
}

func (b *Bridge) forward(ctx context.Context, req dispatch.Request) {
	route := b.routes.Lookup(req.Action.Type)
	data, err := commsutil.EncodePayload(&Envelope{
		ClientID:     req.ClientID,
		Action:       req.Action,
		Payload:      req.Payload,
		HasPayload:   req.HasPayload(),
		Gateway:      b.name,
		ReplySubject: b.replySubject,
	})
	if err != nil {
		b.fail(req, route.Mode, err)
		return
	}

	if route.Mode == routes.ModeRequest {
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			b.request(ctx, req, route, data)
		}()
		return
	}

	start := time.Now()
	if err := b.nc.Publish(route.Subject, data); err != nil {
		b.fail(req, route.Mode, fmt.Errorf("publish %s: %w", route.Subject, err))
		return
	}
	b.metrics.Forwarded(string(route.Mode), time.Since(start))
	slog.Debug(fmt.Sprintf("%s - client %d: %s -> %s", logPrefix, req.ClientID, req.Action.Type, route.Subject))
}

func (b *Bridge) request(ctx context.Context, req dispatch.Request, route routes.Route, data []byte) {
	timeout := route.Timeout(b.requestTimeout)
	if c := req.Action.Ctx; c != nil && c.TimeoutMs > 0 {
		if d := time.Duration(c.TimeoutMs) * time.Millisecond; d < timeout {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	msg, err := b.nc.RequestWithContext(reqCtx, route.Subject, data)
	if err != nil {
		b.fail(req, route.Mode, fmt.Errorf("request %s: %w", route.Subject, err))
		return
	}

	reply, err := action.Parse(msg.Data)
	if err != nil {
		b.fail(req, route.Mode, fmt.Errorf("reply from %s: %w", route.Subject, err))
		return
	}
	if reply.ID == "" {
		reply.ID = req.Action.ID
	}
	b.metrics.Forwarded(string(route.Mode), time.Since(start))
	b.registry.SocketReply(req.ClientID, reply)
}

// fail reports a forwarding failure to the client that sent the request.
func (b *Bridge) fail(req dispatch.Request, mode routes.Mode, err error) {
	b.metrics.ForwardFailed(string(mode))
	slog.Warn(fmt.Sprintf("%s - client %d: %s not forwarded: %v", logPrefix, req.ClientID, req.Action.Type, err))

	reply := action.ServerErr(action.NewActionError(ContextBridge, err.Error()))
	reply.ID = req.Action.ID
	b.registry.SocketReply(req.ClientID, reply)
}

func (b *Bridge) handleReply(msg *comms.Msg) {
	var r Reply
	if err := commsutil.DecodePayload(msg.Data, &r); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode reply: %v", logPrefix, err))
		return
	}
	if r.Action == nil || r.Action.Type == "" {
		slog.Error(fmt.Sprintf("%s - reply for client %d has no action type", logPrefix, r.ClientID))
		return
	}

	if r.ClientID == registry.NoClient {
		n := b.registry.Broadcast(r.Action)
		slog.Debug(fmt.Sprintf("%s - broadcast %s to %d clients", logPrefix, r.Action.Type, n))
		return
	}
	b.registry.SocketReply(r.ClientID, r.Action)
}
