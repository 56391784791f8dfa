package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/protocol"
	"github.com/wricardo/sioserver/store"
	"github.com/wricardo/sioserver/transport"
)

var (
	ErrSocketDisconnected = errors.New("socket disconnected")
	ErrAckAlreadySent     = errors.New("ack already sent")
	ErrNoAck              = errors.New("event does not expect an ack")
	ErrArgOutOfRange      = errors.New("argument index out of range")
)

// AckFunc receives the arguments a client acknowledges an emitted event or
// message with.
type AckFunc func(args []json.RawMessage)

// Listener handles one event fired on a socket.
type Listener func(e *Event)

// Event is what a listener receives. Which fields are set depends on the
// event: Args for client events, Data for "message", Reason for
// "disconnect".
type Event struct {
	Name   string
	Args   []json.RawMessage
	Data   string
	Reason string

	ackOnce sync.Once
	ack     func(args []json.RawMessage)
}

// WantsAck reports whether the client asked for a data acknowledgement.
func (e *Event) WantsAck() bool {
	return e.ack != nil
}

// Ack answers the client with args, each marshaled to JSON. Only the first
// call sends anything.
func (e *Event) Ack(args ...any) error {
	if e.ack == nil {
		return ErrNoAck
	}
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal ack argument: %w", err)
		}
		raw = append(raw, b)
	}

	sent := false
	e.ackOnce.Do(func() {
		e.ack(raw)
		sent = true
	})
	if !sent {
		return ErrAckAlreadySent
	}
	return nil
}

// Arg decodes argument i into v.
func (e *Event) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return ErrArgOutOfRange
	}
	return json.Unmarshal(e.Args[i], v)
}

type socketState int

const (
	socketConnected socketState = iota
	socketDisconnecting
	socketDisconnected
)

// Socket is the application's handle on one client session.
type Socket struct {
	id        string
	manager   *Manager
	handshake *store.HandshakeData
	transport transport.Transport
	connected time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	state     socketState
	ackSeq    int64
	acks      map[int64]AckFunc
	listeners map[string][]Listener
}

// Info is the admin view of a socket.
type Info struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	State       string    `json:"state"`
	Address     string    `json:"address"`
	XDomain     bool      `json:"xdomain"`
	Secure      bool      `json:"secure"`
	HandshakeAt time.Time `json:"handshake_at"`
	ConnectedAt time.Time `json:"connected_at"`
}

func newSocket(m *Manager, id string, hs *store.HandshakeData, t transport.Transport) *Socket {
	return &Socket{
		id:        id,
		manager:   m,
		handshake: hs,
		transport: t,
		connected: time.Now(),
		logger:    m.logger.With(zap.String("sid", id)),
		acks:      make(map[int64]AckFunc),
		listeners: make(map[string][]Listener),
	}
}

func (s *Socket) ID() string                      { return s.id }
func (s *Socket) Handshake() *store.HandshakeData { return s.handshake }
func (s *Socket) Transport() transport.Transport  { return s.transport }

// Connected reports whether the socket can still send.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == socketConnected
}

func (s *Socket) Info() Info {
	info := Info{
		ID:          s.id,
		Transport:   s.transport.Name(),
		State:       s.transport.State().String(),
		ConnectedAt: s.connected,
	}
	if s.handshake != nil {
		info.Address = s.handshake.Address
		info.XDomain = s.handshake.XDomain
		info.Secure = s.handshake.Secure
		info.HandshakeAt = s.handshake.IssuedAt()
	}
	return info
}

// On registers a listener for the named event. "message" receives plain
// and JSON messages; "disconnect" fires once when the session ends.
func (s *Socket) On(name string, l Listener) {
	s.mu.Lock()
	s.listeners[name] = append(s.listeners[name], l)
	s.mu.Unlock()
}

// Send sends a message packet. A non-nil ack is called when the client
// acknowledges it.
func (s *Socket) Send(data string, ack AckFunc) error {
	return s.packet(protocol.Packet{Type: protocol.TypeMessage, Data: data}, ack, protocol.AckTrue)
}

// SendJSON sends v as a JSON message packet.
func (s *Socket) SendJSON(v any, ack AckFunc) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json message: %w", err)
	}
	return s.packet(protocol.Packet{Type: protocol.TypeJSON, Data: string(b)}, ack, protocol.AckTrue)
}

// Emit sends an event. If the last argument is an AckFunc the client is
// asked to acknowledge with data.
func (s *Socket) Emit(name string, args ...any) error {
	var ack AckFunc
	if n := len(args); n > 0 {
		switch fn := args[n-1].(type) {
		case AckFunc:
			ack, args = fn, args[:n-1]
		case func([]json.RawMessage):
			ack, args = fn, args[:n-1]
		}
	}

	p := protocol.Packet{Type: protocol.TypeEvent, Name: name}
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal %q argument: %w", name, err)
		}
		p.Args = append(p.Args, b)
	}
	return s.packet(p, ack, protocol.AckData)
}

// Disconnect ends the session from the server side.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.state != socketConnected {
		s.mu.Unlock()
		return
	}
	s.state = socketDisconnecting
	s.acks = make(map[int64]AckFunc)
	s.mu.Unlock()

	s.logger.Info("booting client")
	s.transport.Disconnect("booted")
}

func (s *Socket) packet(p protocol.Packet, ack AckFunc, mode protocol.AckMode) error {
	s.mu.Lock()
	if s.state == socketDisconnected {
		s.mu.Unlock()
		return ErrSocketDisconnected
	}
	if ack != nil {
		s.ackSeq++
		p.ID = s.ackSeq
		p.Ack = mode
		s.acks[p.ID] = ack
	}
	s.mu.Unlock()

	s.transport.Packet(p)
	return nil
}

func (s *Socket) resolveAck(id int64, args []json.RawMessage) {
	s.mu.Lock()
	fn, ok := s.acks[id]
	delete(s.acks, id)
	s.mu.Unlock()

	if !ok {
		s.logger.Info("unknown ack packet", zap.Int64("ack_id", id))
		return
	}
	s.manager.safely(s.logger, "ack", func() { fn(args) })
}

// fire calls the listeners registered for e.Name in registration order.
func (s *Socket) fire(e *Event) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners[e.Name]...)
	s.mu.Unlock()

	for _, l := range listeners {
		s.manager.safely(s.logger, e.Name, func() { l(e) })
	}
}

func (s *Socket) onDisconnect(reason string) {
	s.mu.Lock()
	if s.state == socketDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = socketDisconnected
	s.acks = nil
	s.mu.Unlock()

	s.fire(&Event{Name: "disconnect", Reason: reason})
}
