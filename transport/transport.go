package transport

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/observability"
	"github.com/wricardo/sioserver/protocol"
)

// State is the lifecycle position of a transport. It only moves forward.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Handler receives what a transport reads and is told once when it ends.
type Handler interface {
	HandlePacket(id string, p protocol.Packet)
	OnDisconnect(id string, reason string)
}

// Sink is the physical half of a transport.
type Sink interface {
	// Send delivers packets in order.
	Send(packets []protocol.Packet) error
	// Close releases the underlying channel. Called once, from End.
	Close()
}

// Transport is the view of a transport the session layer works with.
type Transport interface {
	ID() string
	Name() string
	State() State
	Packet(packets ...protocol.Packet)
	Disconnect(reason string)
	Error(reason, advice string)
	End(reason string)
}

// Base implements the lifecycle shared by every transport. Concrete
// transports embed it and plug in their Sink with SetSink before serving.
type Base struct {
	id      string
	name    string
	handler Handler
	logger  *zap.Logger

	state atomic.Int32
	sink  Sink

	// packets sent before Open are held here
	mu      sync.Mutex
	pending []protocol.Packet
}

// NewBase creates a transport in the Connecting state.
func NewBase(id, name string, handler Handler, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{
		id:      id,
		name:    name,
		handler: handler,
		logger:  logger.With(zap.String("sid", id), zap.String("transport", name)),
	}
}

func (b *Base) ID() string          { return b.id }
func (b *Base) Name() string        { return b.name }
func (b *Base) State() State        { return State(b.state.Load()) }
func (b *Base) Logger() *zap.Logger { return b.logger }

func (b *Base) SetSink(s Sink) {
	b.sink = s
}

// Open moves the transport to Connected and sends first followed by
// anything queued while connecting.
func (b *Base) Open(first ...protocol.Packet) {
	b.mu.Lock()
	if !b.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		b.mu.Unlock()
		return
	}
	packets := append(first, b.pending...)
	b.pending = nil
	b.mu.Unlock()

	observability.TransportOpened(b.name)
	b.send(packets)
}

// OnMessage routes one packet read from the client.
func (b *Base) OnMessage(p protocol.Packet) {
	observability.RecordPacket("in", p.Type.String())

	switch {
	case p.Type == protocol.TypeDisconnect:
		b.Disconnect("client disconnect")
	case p.IsParseError():
		b.logger.Warn("unparseable packet from client")
		b.Packet(p)
	default:
		b.handler.HandlePacket(b.id, p)
	}
}

// Packet sends packets to the client. It does nothing once the transport
// has ended.
func (b *Base) Packet(packets ...protocol.Packet) {
	if len(packets) == 0 {
		return
	}

	b.mu.Lock()
	switch b.State() {
	case Disconnected:
		b.mu.Unlock()
		return
	case Connecting:
		b.pending = append(b.pending, packets...)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.send(packets)
}

func (b *Base) send(packets []protocol.Packet) {
	if len(packets) == 0 || b.sink == nil {
		return
	}
	for _, p := range packets {
		observability.RecordPacket("out", p.Type.String())
	}
	if err := b.sink.Send(packets); err != nil {
		b.logger.Debug("send failed", zap.Error(err))
	}
}

// Disconnect tells the client the session is over, then ends the transport.
func (b *Base) Disconnect(reason string) {
	if b.state.CompareAndSwap(int32(Connected), int32(Disconnecting)) {
		b.send([]protocol.Packet{{Type: protocol.TypeDisconnect}})
	}
	b.End(reason)
}

// Error sends an error packet, then ends the transport with reason "error".
func (b *Base) Error(reason, advice string) {
	b.Packet(protocol.Packet{Type: protocol.TypeError, Reason: reason, Advice: advice})

	fields := []zap.Field{zap.String("reason", reason)}
	if advice != "" {
		fields = append(fields, zap.String("advice", advice))
	}
	b.logger.Warn("transport error", fields...)
	b.End("error")
}

// End closes the transport. Only the first call has any effect; it closes
// the sink and reports reason to the handler.
func (b *Base) End(reason string) {
	b.mu.Lock()
	prev := State(b.state.Swap(int32(Disconnected)))
	b.pending = nil
	b.mu.Unlock()
	if prev == Disconnected {
		return
	}

	if prev != Connecting {
		observability.TransportClosed(b.name)
	}
	if b.sink != nil {
		b.sink.Close()
	}
	observability.RecordDisconnect(reason)
	b.logger.Info("transport disconnected", zap.String("reason", reason))
	b.handler.OnDisconnect(b.id, reason)
}
