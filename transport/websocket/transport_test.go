package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wricardo/sioserver/protocol"
	"github.com/wricardo/sioserver/store"
)

type testHandler struct {
	mu          sync.Mutex
	packets     chan protocol.Packet
	disconnects chan string
	count       int
}

func newTestHandler() *testHandler {
	return &testHandler{
		packets:     make(chan protocol.Packet, 16),
		disconnects: make(chan string, 16),
	}
}

func (h *testHandler) HandlePacket(id string, p protocol.Packet) {
	h.packets <- p
}

func (h *testHandler) OnDisconnect(id string, reason string) {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	h.disconnects <- reason
}

func (h *testHandler) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

type testServer struct {
	srv       *httptest.Server
	handler   *testHandler
	store     *store.MemoryStore
	transport chan *Transport
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	ts := &testServer{
		handler:   newTestHandler(),
		store:     store.NewMemoryStore(store.MemoryOptions{}, zap.NewNop()),
		transport: make(chan *Transport, 1),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := New("sid", ts.handler, ts.store, opts, zap.NewNop())
		ts.transport <- tr
		tr.Serve(w, r)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) dial(t *testing.T, header http.Header) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/socket.io/1/websocket/sid"
	conn, _, err := gws.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *gws.Conn) protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if kind != gws.TextMessage {
		t.Fatalf("Expected text message, got %d", kind)
	}
	return protocol.Decode(string(msg))
}

func waitReason(t *testing.T, h *testHandler) string {
	t.Helper()
	select {
	case reason := <-h.disconnects:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("Transport never ended")
		return ""
	}
}

func TestTransport_ConnectAndMessage(t *testing.T) {
	ts := newTestServer(t, Options{Origins: []string{"*:*"}})
	ctx := context.Background()
	ts.store.OnConnected(ctx, "sid")

	conn := ts.dial(t, nil)

	if p := readPacket(t, conn); p.Type != protocol.TypeConnect {
		t.Fatalf("Expected connect packet first, got %v", p.Type)
	}
	if ok, _ := ts.store.Connected(ctx, "sid"); ok {
		t.Error("Store record should be destroyed after upgrade")
	}

	if err := conn.WriteMessage(gws.TextMessage, []byte("3:::hello")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	select {
	case p := <-ts.handler.packets:
		if p.Type != protocol.TypeMessage || p.Data != "hello" {
			t.Errorf("Expected message hello, got %#v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Message never reached the handler")
	}

	tr := <-ts.transport
	tr.Packet(protocol.Packet{Type: protocol.TypeEvent, Name: "news", Args: nil})
	if p := readPacket(t, conn); p.Type != protocol.TypeEvent || p.Name != "news" {
		t.Errorf("Expected event news, got %#v", p)
	}
}

func TestTransport_ClientDisconnectPacket(t *testing.T) {
	ts := newTestServer(t, Options{Origins: []string{"*:*"}})
	conn := ts.dial(t, nil)
	readPacket(t, conn)

	conn.WriteMessage(gws.TextMessage, []byte("0::"))

	if p := readPacket(t, conn); p.Type != protocol.TypeDisconnect {
		t.Errorf("Expected disconnect echoed, got %v", p.Type)
	}
	if reason := waitReason(t, ts.handler); reason != "client disconnect" {
		t.Errorf("Expected client disconnect, got %s", reason)
	}
}

func TestTransport_SocketClose(t *testing.T) {
	ts := newTestServer(t, Options{Origins: []string{"*:*"}})
	conn := ts.dial(t, nil)
	readPacket(t, conn)

	conn.Close()
	if reason := waitReason(t, ts.handler); reason != "socket end" {
		t.Errorf("Expected socket end, got %s", reason)
	}
}

func TestTransport_PingPong(t *testing.T) {
	ts := newTestServer(t, Options{Origins: []string{"*:*"}})
	conn := ts.dial(t, nil)
	readPacket(t, conn)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	if err := conn.WriteControl(gws.PingMessage, []byte("ping-data"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl failed: %v", err)
	}

	// pong handlers run inside ReadMessage
	go conn.ReadMessage()
	select {
	case data := <-pong:
		if data != "ping-data" {
			t.Errorf("Expected pong payload ping-data, got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No pong received")
	}
}

func TestTransport_HeartbeatTimeout(t *testing.T) {
	ts := newTestServer(t, Options{
		Origins:           []string{"*:*"},
		Heartbeats:        true,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	})
	conn := ts.dial(t, nil)
	readPacket(t, conn)

	if p := readPacket(t, conn); p.Type != protocol.TypeHeartbeat {
		t.Fatalf("Expected heartbeat, got %v", p.Type)
	}
	// never answer
	if reason := waitReason(t, ts.handler); reason != "heartbeat timeout" {
		t.Errorf("Expected heartbeat timeout, got %s", reason)
	}

	time.Sleep(200 * time.Millisecond)
	if n := ts.handler.disconnectCount(); n != 1 {
		t.Errorf("Expected exactly one disconnect, got %d", n)
	}
}

func TestTransport_HeartbeatAnswered(t *testing.T) {
	ts := newTestServer(t, Options{
		Origins:           []string{"*:*"},
		Heartbeats:        true,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
	})
	conn := ts.dial(t, nil)
	readPacket(t, conn)

	for i := 0; i < 5; i++ {
		if p := readPacket(t, conn); p.Type != protocol.TypeHeartbeat {
			t.Fatalf("Expected heartbeat %d, got %v", i, p.Type)
		}
		conn.WriteMessage(gws.TextMessage, []byte("2::"))
	}

	if n := ts.handler.disconnectCount(); n != 0 {
		t.Errorf("Answered heartbeats should keep the transport alive, got %d disconnects", n)
	}
}

func TestTransport_HeartbeatTimersNeverOverlap(t *testing.T) {
	st := store.NewMemoryStore(store.MemoryOptions{}, zap.NewNop())
	t.Cleanup(func() { st.Close() })
	tr := New("sid", newTestHandler(), st, Options{
		Heartbeats:        true,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
	}, zap.NewNop())
	t.Cleanup(tr.Close)
	tr.Open()

	bothArmed := func() bool {
		tr.hbMu.Lock()
		defer tr.hbMu.Unlock()
		return tr.hbInterval != nil && tr.hbTimeout != nil
	}

	for i := 0; i < 3; i++ {
		tr.setHeartbeatInterval()
		tr.hbMu.Lock()
		interval := tr.hbInterval
		tr.hbMu.Unlock()
		if interval == nil {
			t.Fatalf("round %d: expected interval timer armed", i)
		}
		interval.Stop()

		tr.onHeartbeatInterval(interval)
		tr.hbMu.Lock()
		armed := tr.hbTimeout != nil
		tr.hbMu.Unlock()
		if !armed {
			t.Fatalf("round %d: expected timeout armed when the interval fires", i)
		}

		// a peer heartbeat right after the interval fired
		tr.OnText("2::")
		if bothArmed() {
			t.Fatalf("round %d: interval and timeout timers both armed", i)
		}
	}

	// a stale interval callback must not arm anything
	tr.hbMu.Lock()
	current := tr.hbInterval
	tr.hbMu.Unlock()
	tr.onHeartbeatInterval(time.NewTimer(time.Hour))
	if bothArmed() {
		t.Error("Stale interval callback armed the timeout")
	}
	tr.hbMu.Lock()
	same := tr.hbInterval == current
	tr.hbMu.Unlock()
	if !same {
		t.Error("Stale interval callback replaced the current timer")
	}
}

func TestTransport_OriginMismatch(t *testing.T) {
	ts := newTestServer(t, Options{Origins: []string{"example.com:*"}})

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/"
	_, resp, err := gws.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.com"}})
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
	if reason := waitReason(t, ts.handler); !strings.Contains(reason, "origin mismatch") {
		t.Errorf("Expected origin mismatch, got %s", reason)
	}
}

func TestTransport_NotAnUpgrade(t *testing.T) {
	ts := newTestServer(t, Options{Origins: []string{"*:*"}})

	resp, err := http.Get(ts.srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	waitReason(t, ts.handler)
}

func TestTransport_MaxBufferKick(t *testing.T) {
	ts := newTestServer(t, Options{Origins: []string{"*:*"}, MaxBuffer: 64})
	conn := ts.dial(t, nil)
	readPacket(t, conn)

	conn.WriteMessage(gws.TextMessage, []byte(strings.Repeat("x", 500)))

	if reason := waitReason(t, ts.handler); reason != "client disconnect" {
		t.Errorf("Expected kick through client disconnect, got %s", reason)
	}
}
