package transport

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	sent   []protocol.Packet
	closed int
}

func (s *recordingSink) Send(packets []protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, packets...)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *recordingSink) types() []protocol.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Type
	for _, p := range s.sent {
		out = append(out, p.Type)
	}
	return out
}

type recordingHandler struct {
	mu          sync.Mutex
	packets     []protocol.Packet
	disconnects []string
}

func (h *recordingHandler) HandlePacket(id string, p protocol.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, p)
}

func (h *recordingHandler) OnDisconnect(id string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, reason)
}

func newTestBase() (*Base, *recordingSink, *recordingHandler) {
	h := &recordingHandler{}
	s := &recordingSink{}
	b := NewBase("sid", "test", h, zap.NewNop())
	b.SetSink(s)
	return b, s, h
}

func equalTypes(a, b []protocol.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBase_PendingUntilOpen(t *testing.T) {
	b, s, _ := newTestBase()

	b.Packet(protocol.Packet{Type: protocol.TypeMessage, Data: "early"})
	if len(s.types()) != 0 {
		t.Fatal("Packets should be held while connecting")
	}

	b.Open(protocol.Packet{Type: protocol.TypeConnect})
	want := []protocol.Type{protocol.TypeConnect, protocol.TypeMessage}
	if got := s.types(); !equalTypes(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if b.State() != Connected {
		t.Errorf("Expected connected, got %s", b.State())
	}
}

func TestBase_EndIsIdempotent(t *testing.T) {
	b, s, h := newTestBase()
	b.Open()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.End("heartbeat timeout")
		}()
	}
	wg.Wait()
	b.Disconnect("again")
	b.Error("unauthorized", "")

	if len(h.disconnects) != 1 {
		t.Fatalf("Expected exactly one OnDisconnect, got %v", h.disconnects)
	}
	if h.disconnects[0] != "heartbeat timeout" {
		t.Errorf("Expected reason heartbeat timeout, got %s", h.disconnects[0])
	}
	if s.closed != 1 {
		t.Errorf("Expected sink closed once, got %d", s.closed)
	}
	if len(s.types()) != 0 {
		t.Errorf("Nothing should be sent after end, got %v", s.types())
	}
}

func TestBase_OnMessage(t *testing.T) {
	t.Run("disconnect packet", func(t *testing.T) {
		b, s, h := newTestBase()
		b.Open()
		b.OnMessage(protocol.Packet{Type: protocol.TypeDisconnect})

		if got := s.types(); !equalTypes(got, []protocol.Type{protocol.TypeDisconnect}) {
			t.Errorf("Expected a disconnect packet back, got %v", got)
		}
		if len(h.disconnects) != 1 || h.disconnects[0] != "client disconnect" {
			t.Errorf("Expected client disconnect, got %v", h.disconnects)
		}
		if b.State() != Disconnected {
			t.Errorf("Expected disconnected, got %s", b.State())
		}
	})

	t.Run("parse error is echoed", func(t *testing.T) {
		b, s, h := newTestBase()
		b.Open()
		b.OnMessage(protocol.ParseError())

		if len(s.sent) != 1 || !s.sent[0].IsParseError() {
			t.Errorf("Expected parse error echoed, got %v", s.sent)
		}
		if len(h.packets) != 0 || len(h.disconnects) != 0 {
			t.Error("Parse errors should neither reach the handler nor end the transport")
		}
	})

	t.Run("other packets reach the handler", func(t *testing.T) {
		b, _, h := newTestBase()
		b.Open()
		b.OnMessage(protocol.Packet{Type: protocol.TypeMessage, Data: "hi"})

		if len(h.packets) != 1 || h.packets[0].Data != "hi" {
			t.Errorf("Expected message delivered, got %v", h.packets)
		}
	})
}

func TestBase_Error(t *testing.T) {
	b, s, h := newTestBase()
	b.Open()
	b.Error(protocol.ReasonUnauthorized, protocol.AdviceReconnect)

	if len(s.sent) != 1 || s.sent[0].Reason != protocol.ReasonUnauthorized {
		t.Errorf("Expected error packet, got %v", s.sent)
	}
	if len(h.disconnects) != 1 || h.disconnects[0] != "error" {
		t.Errorf("Expected end with reason error, got %v", h.disconnects)
	}
}

func TestBase_EndWhileConnecting(t *testing.T) {
	b, s, h := newTestBase()
	b.Packet(protocol.Packet{Type: protocol.TypeMessage})
	b.End("origin mismatch")
	b.Open(protocol.Packet{Type: protocol.TypeConnect})

	if len(s.types()) != 0 {
		t.Errorf("Nothing should be sent, got %v", s.types())
	}
	if len(h.disconnects) != 1 {
		t.Errorf("Expected one disconnect, got %v", h.disconnects)
	}
}
