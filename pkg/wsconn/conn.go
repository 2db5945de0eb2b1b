// Package wsconn is the WebSocket transport of the gateway: it upgrades HTTP
// requests, runs the read loop of each connection through an endpoint and
// owns the single writer of every socket.
package wsconn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/action-gateway/pkg/registry"
)

const connLogPrefix = "wsconn:conn"

var (
	ErrConnClosed     = errors.New("wsconn: connection closed")
	ErrSendQueueFull  = errors.New("wsconn: send queue full")
	errNoCloseMessage = errors.New("wsconn: close frame not sent")
)

// Conn wraps one upgraded socket. Send enqueues text for the write pump and
// never blocks, so a Conn can be used as the registry's reply capability.
type Conn struct {
	ws           *websocket.Conn
	send         chan string
	done         chan struct{}
	writeTimeout time.Duration
	pingInterval time.Duration

	id         atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
	closeMu    sync.Mutex
	closeCode  int
	closeText  string
	remoteAddr string
}

var _ registry.Sender = (*Conn)(nil)

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		ws:           ws,
		send:         make(chan string, cfg.SendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		remoteAddr:   ws.RemoteAddr().String(),
	}
}

// ClientID returns the identity bound to the connection, or 0 before binding.
func (c *Conn) ClientID() registry.ClientID {
	return registry.ClientID(c.id.Load())
}

func (c *Conn) setClientID(id registry.ClientID) {
	c.id.Store(uint64(id))
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Send queues text for delivery. It fails once the connection is closed or
// when the peer is not draining its queue.
func (c *Conn) Send(text string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- text:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		slog.Warn(fmt.Sprintf("%s - client %d: send queue full (%d)", connLogPrefix, c.ClientID(), cap(c.send)))
		// Closed must report true before the caller sees the error.
		c.markClosed(websocket.ClosePolicyViolation, "send queue full")
		go c.Close(websocket.ClosePolicyViolation, "send queue full")
		return ErrSendQueueFull
	}
}

// CloseWithError closes the connection with an internal-error close code.
func (c *Conn) CloseWithError(reason string) error {
	return c.Close(websocket.CloseInternalServerErr, reason)
}

// markClosed flags the connection as closing and records the first code and
// reason it is given.
func (c *Conn) markClosed(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeMu.Lock()
	c.closeCode, c.closeText = code, reason
	c.closeMu.Unlock()
}

// Close sends a close frame with code and reason, then tears the socket down.
// Only the first call has an effect; later calls return ErrConnClosed. If the
// connection was already marked closed, the recorded code and reason win.
func (c *Conn) Close(code int, reason string) error {
	err := ErrConnClosed
	c.closeOnce.Do(func() {
		c.markClosed(code, reason)
		code, reason = c.closeInfo()
		close(c.done)

		deadline := time.Now().Add(c.writeTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		err = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			err = fmt.Errorf("%w: %v", errNoCloseMessage, err)
		} else {
			err = nil
		}
		if cerr := c.ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// closeInfo returns the code and reason passed to Close.
func (c *Conn) closeInfo() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeText
}

// writePump is the only goroutine that writes data frames. It returns when
// the connection is closed or a write fails.
func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case text := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				slog.Debug(fmt.Sprintf("%s - client %d: write failed: %v", connLogPrefix, c.ClientID(), err))
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				slog.Debug(fmt.Sprintf("%s - client %d: ping failed: %v", connLogPrefix, c.ClientID(), err))
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}
