package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/morezero/action-gateway/pkg/dispatch"
	"github.com/morezero/action-gateway/pkg/endpoint"
	"github.com/morezero/action-gateway/pkg/events"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/registry"
	"github.com/morezero/action-gateway/pkg/semver"
)

const (
	logPrefix = "wsconn:handler"

	// ProtocolParam is the query parameter carrying the client protocol version.
	ProtocolParam = "protocol"

	HeaderSessionID = "X-Session-Id"
	HeaderProtocol  = "X-Gateway-Protocol"

	eventTimeout = 5 * time.Second
)

// Config holds per-connection transport settings.
type Config struct {
	SendQueueSize   int
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		SendQueueSize:   256,
		MaxMessageBytes: 16 << 20,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// HandlerParams holds parameters for NewHandler.
type HandlerParams struct {
	Registry *registry.Registry
	Tx       *dispatch.Tx
	Metrics  *metrics.Metrics
	// Events receives connected/disconnected events. Nil disables them.
	Events events.EventPublisher
	// Protocol restricts accepted client protocol versions. Nil accepts all.
	Protocol *semver.ProtocolChecker
	Config   Config
}

// Handler upgrades requests to WebSocket connections and serves them.
type Handler struct {
	registry *registry.Registry
	tx       *dispatch.Tx
	metrics  *metrics.Metrics
	events   events.EventPublisher
	protocol *semver.ProtocolChecker
	config   Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates a new Handler.
func NewHandler(p HandlerParams) *Handler {
	cfg := p.Config
	def := DefaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	pub := p.Events
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}

	return &Handler{
		registry: p.Registry,
		tx:       p.Tx,
		metrics:  p.Metrics,
		events:   pub,
		protocol: p.Protocol,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	protocol, err := h.protocol.Negotiate(r.URL.Query().Get(ProtocolParam))
	if err != nil {
		h.metrics.ConnectionRejected("protocol")
		slog.Info(fmt.Sprintf("%s - rejecting %s: %v", logPrefix, r.RemoteAddr, err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := uuid.NewString()
	header := http.Header{}
	header.Set(HeaderSessionID, sessionID)
	if protocol != "" {
		header.Set(HeaderProtocol, protocol)
	}

	ws, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.metrics.ConnectionRejected("upgrade")
		slog.Debug(fmt.Sprintf("%s - upgrade failed for %s: %v", logPrefix, r.RemoteAddr, err))
		return
	}

	conn := newConn(ws, h.config)
	if !h.track(conn) {
		h.metrics.ConnectionRejected("shutdown")
		slog.Info(fmt.Sprintf("%s - rejecting %s: shutting down", logPrefix, conn.RemoteAddr()))
		_ = conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(conn)

	id, err := h.registry.AddClient(conn)
	if err != nil {
		h.metrics.ConnectionRejected("exhausted")
		slog.Error(fmt.Sprintf("%s - rejecting %s: %v", logPrefix, conn.RemoteAddr(), err))
		_ = conn.Close(websocket.CloseTryAgainLater, "no client identity available")
		return
	}
	conn.setClientID(id)
	h.metrics.ConnectionAccepted()

	connected := events.NewClientEvent(events.KindConnected, id, sessionID)
	connected.RemoteAddr = conn.RemoteAddr()
	connected.Protocol = protocol
	h.publish(connected)

	code, reason := h.serve(conn)

	disconnected := events.NewClientEvent(events.KindDisconnected, id, sessionID)
	disconnected.RemoteAddr = conn.RemoteAddr()
	disconnected.Protocol = protocol
	disconnected.CloseCode = code
	disconnected.Reason = reason
	h.publish(disconnected)
}

// serve runs the write pump and the read loop of one connection and returns
// the close code and reason once both have stopped.
func (h *Handler) serve(conn *Conn) (int, string) {
	client := endpoint.New(endpoint.Params{
		ID:       conn.ClientID(),
		Registry: h.registry,
		Out:      conn,
		Tx:       h.tx,
		Metrics:  h.metrics,
	})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		conn.writePump()
	}()

	ws := conn.ws
	ws.SetReadLimit(h.config.MaxMessageBytes)
	if h.config.PingInterval > 0 {
		pongWait := 2 * h.config.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	code, reason := h.readLoop(conn, client)

	_ = conn.Close(websocket.CloseNormalClosure, "")
	<-pumpDone
	return code, reason
}

func (h *Handler) readLoop(conn *Conn, client *endpoint.Client) (int, string) {
	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				client.OnClose(ce.Code, ce.Text)
				return ce.Code, ce.Text
			case conn.Closed():
				code, reason := conn.closeInfo()
				client.OnClose(code, reason)
				return code, reason
			default:
				client.OnError(err)
				return websocket.CloseAbnormalClosure, err.Error()
			}
		}

		var kind endpoint.MessageKind
		switch mt {
		case websocket.TextMessage:
			kind = endpoint.Text
		case websocket.BinaryMessage:
			kind = endpoint.Binary
		default:
			continue
		}

		if err := client.OnMessage(kind, data); err != nil {
			switch {
			case errors.Is(err, endpoint.ErrConnectionClosed):
				code, reason := conn.closeInfo()
				client.OnClose(code, reason)
				return code, reason
			case !errors.Is(err, endpoint.ErrDispatchClosed):
				client.OnError(err)
			}
			code, reason := conn.closeInfo()
			return code, reason
		}
	}
}

func (h *Handler) publish(e *events.ClientEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := h.events.PublishClientEvent(ctx, e); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s event for client %d not published: %v", logPrefix, e.Kind, e.ClientID, err))
	}
}

// track registers c for shutdown. It refuses once Shutdown has started.
func (h *Handler) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

// Active returns the number of connections being served.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every open connection with a going-away close frame and
// waits until their handlers return or ctx is done. Connections upgraded after
// Shutdown starts are closed straight away.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - closing %d connections", logPrefix, len(conns)))
	for _, c := range conns {
		_ = c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - shutdown: %w", logPrefix, ctx.Err())
	}
}
