package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/dispatch"
	"github.com/morezero/action-gateway/pkg/metrics"
)

const (
	localLogPrefix = "bridge:local"

	TypePing = "ping"
	TypePong = "pong"
)

// Local is the command processor used when no bus is configured. It answers
// ping with pong and every other action with an error reply.
type Local struct {
	rx       *dispatch.Rx
	registry Replier
	metrics  *metrics.Metrics
}

// NewLocal creates a Local processor. m may be nil.
func NewLocal(rx *dispatch.Rx, reg Replier, m *metrics.Metrics) *Local {
	return &Local{rx: rx, registry: reg, metrics: m}
}

// Run consumes the dispatch channel until it is closed and drained, or ctx is done.
func (l *Local) Run(ctx context.Context) error {
	for {
		req, err := l.rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, dispatch.ErrChannelClosed) {
				return nil
			}
			return err
		}
		l.metrics.SetQueueDepth(l.rx.Len())

		var reply *action.Action
		if req.Action.Type == TypePing {
			reply = &action.Action{ID: req.Action.ID, Type: TypePong, Params: req.Action.Params}
		} else {
			slog.Debug(fmt.Sprintf("%s - client %d: no processor for %s", localLogPrefix, req.ClientID, req.Action.Type))
			reply = action.ServerErr(action.NewActionError(ContextBridge, fmt.Sprintf("no command processor for %q", req.Action.Type)))
			reply.ID = req.Action.ID
		}
		l.registry.SocketReply(req.ClientID, reply)
	}
}
