package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/dispatch"
	"github.com/morezero/action-gateway/pkg/events"
	"github.com/morezero/action-gateway/pkg/frame"
	"github.com/morezero/action-gateway/pkg/registry"
	"github.com/morezero/action-gateway/pkg/semver"
)

const handlerTestPrefix = "wsconn:handler_test"

type testGateway struct {
	server  *httptest.Server
	handler *Handler
	reg     *registry.Registry
	tx      *dispatch.Tx
	rx      *dispatch.Rx

	mu     sync.Mutex
	events []*events.ClientEvent
}

func newTestGateway(t *testing.T, maxClients uint64, protocol string) *testGateway {
	t.Helper()

	checker, err := semver.NewProtocolChecker(protocol)
	if err != nil {
		t.Fatalf("%s - protocol checker: %v", handlerTestPrefix, err)
	}

	g := &testGateway{}
	g.reg = registry.NewRegistry(registry.NewRegistryParams{Config: registry.Config{MaxClients: maxClients}})
	g.tx, g.rx = dispatch.New()
	g.handler = NewHandler(HandlerParams{
		Registry: g.reg,
		Tx:       g.tx,
		Events: events.NewCallbackPublisher(func(_ context.Context, e *events.ClientEvent) error {
			g.mu.Lock()
			g.events = append(g.events, e)
			g.mu.Unlock()
			return nil
		}),
		Protocol: checker,
		Config: Config{
			SendQueueSize: 16,
			PingInterval:  time.Second,
			WriteTimeout:  time.Second,
		},
	})
	g.server = httptest.NewServer(g.handler)
	t.Cleanup(func() {
		_ = g.handler.Shutdown(context.Background())
		g.server.Close()
	})
	return g
}

func (g *testGateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("%s - dial: %v", handlerTestPrefix, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (g *testGateway) recordedEvents() []*events.ClientEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*events.ClientEvent(nil), g.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s - timed out waiting for %s", handlerTestPrefix, what)
}

func recv(t *testing.T, rx *dispatch.Rx) dispatch.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := rx.Recv(ctx)
	if err != nil {
		t.Fatalf("%s - Recv: %v", handlerTestPrefix, err)
	}
	return req
}

func readAction(t *testing.T, ws *websocket.Conn) *action.Action {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("%s - ReadMessage: %v", handlerTestPrefix, err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("%s - message type = %d, want text", handlerTestPrefix, mt)
	}
	a, err := action.Parse(data)
	if err != nil {
		t.Fatalf("%s - reply does not parse: %v (%s)", handlerTestPrefix, err, data)
	}
	return a
}

func readCloseCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("%s - expected close error, got %v", handlerTestPrefix, err)
		}
		return ce.Code
	}
}

func TestHandler_TextRoundTrip(t *testing.T) {
	g := newTestGateway(t, 0, "")
	ws := g.dial(t, "")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","type":"echo","params":{"x":1}}`)); err != nil {
		t.Fatalf("%s - write: %v", handlerTestPrefix, err)
	}

	req := recv(t, g.rx)
	if req.ClientID != 1 {
		t.Errorf("%s - ClientID = %d, want 1", handlerTestPrefix, req.ClientID)
	}
	if req.HasPayload() {
		t.Errorf("%s - text message must not carry a payload", handlerTestPrefix)
	}
	if req.Action.Type != "echo" || req.Action.ID != "1" {
		t.Errorf("%s - action = %+v", handlerTestPrefix, req.Action)
	}

	g.reg.SocketReply(req.ClientID, &action.Action{ID: "1", Type: "echo.reply"})
	if got := readAction(t, ws); got.Type != "echo.reply" {
		t.Errorf("%s - reply type = %q", handlerTestPrefix, got.Type)
	}
}

func TestHandler_BinaryFrame(t *testing.T) {
	g := newTestGateway(t, 0, "")
	ws := g.dial(t, "")

	msg, err := frame.Encode(&action.Action{Type: "upload"}, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("%s - encode: %v", handlerTestPrefix, err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("%s - write: %v", handlerTestPrefix, err)
	}

	req := recv(t, g.rx)
	if !req.HasPayload() || string(req.Payload) != "\x01\x02\x03" {
		t.Errorf("%s - payload = %v", handlerTestPrefix, req.Payload)
	}

	empty, _ := frame.Encode(&action.Action{Type: "upload"}, nil)
	if err := ws.WriteMessage(websocket.BinaryMessage, empty); err != nil {
		t.Fatalf("%s - write: %v", handlerTestPrefix, err)
	}
	req = recv(t, g.rx)
	if !req.HasPayload() || len(req.Payload) != 0 {
		t.Errorf("%s - binary frame must carry an empty, non-nil payload", handlerTestPrefix)
	}
}

func TestHandler_DecodeErrorsAreReplied(t *testing.T) {
	tests := []struct {
		name    string
		mt      int
		data    []byte
		context string
	}{
		{"short binary", websocket.BinaryMessage, []byte{0, 0, 0}, "BinaryToAction"},
		{"truncated binary", websocket.BinaryMessage, []byte{0, 0, 0, 9, '{', '}'}, "BinaryToAction"},
		{"bad text", websocket.TextMessage, []byte(`not json`), "StringToAction"},
	}

	g := newTestGateway(t, 0, "")
	ws := g.dial(t, "")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(tt.mt, tt.data); err != nil {
				t.Fatalf("%s - write: %v", handlerTestPrefix, err)
			}
			got := readAction(t, ws)
			if !got.IsServerErr() || got.Error == nil || got.Error.Context != tt.context {
				t.Errorf("%s - reply = %+v, want server_err with context %s", handlerTestPrefix, got, tt.context)
			}
		})
	}

	if g.rx.Len() != 0 {
		t.Errorf("%s - decode failures must not be dispatched", handlerTestPrefix)
	}
	if g.reg.Len() != 1 {
		t.Errorf("%s - client must stay connected after decode errors", handlerTestPrefix)
	}
}

func TestHandler_LowestFreeIdentity(t *testing.T) {
	g := newTestGateway(t, 0, "")
	a := g.dial(t, "")
	_ = g.dial(t, "")
	waitFor(t, "two clients", func() bool { return g.reg.Len() == 2 })

	a.Close()
	waitFor(t, "client 1 released", func() bool {
		_, ok := g.reg.GetSender(1)
		return !ok
	})

	_ = g.dial(t, "")
	waitFor(t, "client 1 reused", func() bool {
		_, ok := g.reg.GetSender(1)
		return ok
	})
}

func TestHandler_IdentitySpaceExhausted(t *testing.T) {
	g := newTestGateway(t, 1, "")
	_ = g.dial(t, "")
	waitFor(t, "first client", func() bool { return g.reg.Len() == 1 })

	second := g.dial(t, "")
	if code := readCloseCode(t, second); code != websocket.CloseTryAgainLater {
		t.Errorf("%s - close code = %d, want %d", handlerTestPrefix, code, websocket.CloseTryAgainLater)
	}
	if g.reg.Len() != 1 {
		t.Errorf("%s - Len = %d, want 1", handlerTestPrefix, g.reg.Len())
	}
}

func TestHandler_ProtocolNegotiation(t *testing.T) {
	g := newTestGateway(t, 0, "^1.0.0")
	base := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?protocol=2.0.0", nil)
	if err == nil {
		t.Fatalf("%s - expected unsupported protocol to be rejected", handlerTestPrefix)
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("%s - response = %v, want 400", handlerTestPrefix, resp)
	}

	if _, _, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Errorf("%s - expected missing protocol to be rejected", handlerTestPrefix)
	}

	ws, resp, err := websocket.DefaultDialer.Dial(base+"?protocol=1.4.0,2.0.0", nil)
	if err != nil {
		t.Fatalf("%s - dial: %v", handlerTestPrefix, err)
	}
	defer ws.Close()
	if got := resp.Header.Get(HeaderProtocol); got != "1.4.0" {
		t.Errorf("%s - negotiated protocol = %q, want 1.4.0", handlerTestPrefix, got)
	}
	if resp.Header.Get(HeaderSessionID) == "" {
		t.Errorf("%s - missing session id header", handlerTestPrefix)
	}
}

func TestHandler_LifecycleEvents(t *testing.T) {
	g := newTestGateway(t, 0, "")
	ws := g.dial(t, "")
	waitFor(t, "connected event", func() bool { return len(g.recordedEvents()) == 1 })

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	waitFor(t, "disconnected event", func() bool { return len(g.recordedEvents()) == 2 })

	evs := g.recordedEvents()
	if evs[0].Kind != events.KindConnected || evs[1].Kind != events.KindDisconnected {
		t.Fatalf("%s - kinds = %s, %s", handlerTestPrefix, evs[0].Kind, evs[1].Kind)
	}
	if evs[0].SessionID == "" || evs[0].SessionID != evs[1].SessionID {
		t.Errorf("%s - session ids = %q, %q", handlerTestPrefix, evs[0].SessionID, evs[1].SessionID)
	}
	if evs[1].CloseCode != websocket.CloseNormalClosure || evs[1].Reason != "bye" {
		t.Errorf("%s - close = %d %q", handlerTestPrefix, evs[1].CloseCode, evs[1].Reason)
	}
	if g.reg.Len() != 0 {
		t.Errorf("%s - Len = %d after close, want 0", handlerTestPrefix, g.reg.Len())
	}
}

func TestHandler_DispatchClosedClosesConnection(t *testing.T) {
	g := newTestGateway(t, 0, "")
	ws := g.dial(t, "")
	waitFor(t, "client", func() bool { return g.reg.Len() == 1 })

	g.rx.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"x"}`)); err != nil {
		t.Fatalf("%s - write: %v", handlerTestPrefix, err)
	}

	if code := readCloseCode(t, ws); code != websocket.CloseInternalServerErr {
		t.Errorf("%s - close code = %d, want %d", handlerTestPrefix, code, websocket.CloseInternalServerErr)
	}
	waitFor(t, "client removed", func() bool { return g.reg.Len() == 0 })
}

func TestHandler_Shutdown(t *testing.T) {
	g := newTestGateway(t, 0, "")
	ws := g.dial(t, "")
	waitFor(t, "client", func() bool { return g.handler.Active() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := g.handler.Shutdown(ctx); err != nil {
		t.Fatalf("%s - Shutdown: %v", handlerTestPrefix, err)
	}
	if code := readCloseCode(t, ws); code != websocket.CloseGoingAway {
		t.Errorf("%s - close code = %d, want %d", handlerTestPrefix, code, websocket.CloseGoingAway)
	}
	if g.handler.Active() != 0 {
		t.Errorf("%s - Active = %d after shutdown", handlerTestPrefix, g.handler.Active())
	}
}

func TestHandler_RefusesAfterShutdown(t *testing.T) {
	g := newTestGateway(t, 0, "")
	if err := g.handler.Shutdown(context.Background()); err != nil {
		t.Fatalf("%s - Shutdown: %v", handlerTestPrefix, err)
	}

	ws := g.dial(t, "")
	if code := readCloseCode(t, ws); code != websocket.CloseGoingAway {
		t.Errorf("%s - close code = %d, want %d", handlerTestPrefix, code, websocket.CloseGoingAway)
	}
	if g.reg.Len() != 0 {
		t.Errorf("%s - Len = %d, connection registered after shutdown", handlerTestPrefix, g.reg.Len())
	}
	if g.handler.Active() != 0 {
		t.Errorf("%s - Active = %d after shutdown", handlerTestPrefix, g.handler.Active())
	}
	if evs := g.recordedEvents(); len(evs) != 0 {
		t.Errorf("%s - %d lifecycle events for a refused connection", handlerTestPrefix, len(evs))
	}
}
