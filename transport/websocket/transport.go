package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/protocol"
	"github.com/wricardo/sioserver/store"
	"github.com/wricardo/sioserver/transport"
)

// Name is the transport name used in request paths.
const Name = "websocket"

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Frames queued for the writer before the peer is considered stuck.
	sendBuffer = 256

	readChunk = 4096
)

var (
	ErrOriginMismatch = errors.New("origin mismatch")
	ErrClosed         = errors.New("transport closed")
)

// Options configures a WebSocket transport.
type Options struct {
	Origins           []string
	Heartbeats        bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// MaxBuffer caps the bytes buffered for one incoming message
	MaxBuffer int64
}

// Transport speaks the protocol over one upgraded connection. Frames are
// parsed by hand and written by a single writer goroutine.
type Transport struct {
	*transport.Base
	opts  Options
	store store.Store

	conn   net.Conn
	parser *Parser

	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	// started guards the handoff of writerDone to writePump
	mu      sync.Mutex
	started bool

	hbMu       sync.Mutex
	hbStopped  bool
	hbInterval *time.Timer
	hbTimeout  *time.Timer
}

// New creates a transport for session id. Serve does the upgrade.
func New(id string, handler transport.Handler, st store.Store, opts Options, logger *zap.Logger) *Transport {
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 100_000_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		Base:       transport.NewBase(id, Name, handler, logger.Named("websocket")),
		opts:       opts,
		store:      st,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	t.parser = NewParser(t, opts.MaxBuffer)
	t.SetSink(t)
	return t
}

// Serve upgrades the request and reads frames until the transport ends.
func (t *Transport) Serve(w http.ResponseWriter, r *http.Request) {
	rw, err := t.accept(w, r)
	if err != nil {
		t.Logger().Warn("websocket connection invalid", zap.Error(err))
		t.End(err.Error())
		return
	}

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		t.conn.Close()
		return
	default:
	}
	t.started = true
	t.mu.Unlock()

	// nothing needs to be queued for a websocket session
	if err := t.store.DestroyConnection(context.Background(), t.ID(), 0); err != nil {
		t.Logger().Warn("destroy store record", zap.Error(err))
	}

	go t.writePump()
	t.Open(protocol.Packet{Type: protocol.TypeConnect})
	t.setHeartbeatInterval()

	t.readPump(rw.Reader)
	<-t.writerDone
}

// accept validates the upgrade request and hijacks the connection. Rejections
// are answered over plain HTTP.
func (t *Transport) accept(w http.ResponseWriter, r *http.Request) (*bufio.ReadWriter, error) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil, errors.New("missing websocket upgrade")
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Sec-WebSocket-Origin")
	}
	if !transport.OriginAllowed(t.opts.Origins, origin) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, fmt.Errorf("%w: %q", ErrOriginMismatch, origin)
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil, errors.New("received no key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	rw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	rw.WriteString("Upgrade: websocket\r\n")
	rw.WriteString("Connection: Upgrade\r\n")
	rw.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n")
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	t.conn = conn
	return rw, nil
}

// readPump feeds the parser until the connection fails or the transport ends.
func (t *Transport) readPump(r *bufio.Reader) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if perr := t.parser.Add(buf[:n]); perr != nil {
				t.onParserError(perr)
				return
			}
		}
		if err != nil {
			t.End("socket end")
			return
		}
		if t.State() == transport.Disconnected {
			return
		}
	}
}

func (t *Transport) onParserError(err error) {
	if errors.Is(err, ErrMaxBuffer) {
		t.Logger().Warn("parser forced user kick", zap.Error(err))
		t.OnMessage(protocol.Packet{Type: protocol.TypeDisconnect})
		t.End("max buffer")
		return
	}
	t.Logger().Warn("parser error", zap.Error(err))
	t.End("parser error")
}

// writePump owns every write to the connection and closes it once the
// transport is done and the queue is drained.
func (t *Transport) writePump() {
	defer func() {
		t.conn.Close()
		close(t.writerDone)
	}()

	for {
		select {
		case frame := <-t.send:
			if err := t.write(frame); err != nil {
				t.Logger().Debug("write failed", zap.Error(err))
				go t.End("socket error")
				return
			}
		case <-t.done:
			for {
				select {
				case frame := <-t.send:
					if t.write(frame) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (t *Transport) write(frame []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := t.conn.Write(frame)
	return err
}

func (t *Transport) enqueue(frame []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- frame:
		return nil
	default:
		go t.End("send buffer full")
		return errors.New("send buffer full")
	}
}

// Send implements transport.Sink. Each packet travels in its own text frame.
func (t *Transport) Send(packets []protocol.Packet) error {
	for _, p := range packets {
		if err := t.enqueue(Frame(OpText, []byte(protocol.Encode(p)))); err != nil {
			return err
		}
	}
	return nil
}

// Close implements transport.Sink.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.stopHeartbeat()

		t.mu.Lock()
		close(t.done)
		if !t.started {
			close(t.writerDone)
		}
		t.mu.Unlock()
	})
}

// OnText implements Events.
func (t *Transport) OnText(msg string) {
	p := protocol.Decode(msg)
	if p.Type == protocol.TypeHeartbeat {
		t.Logger().Debug("got heartbeat packet")
		t.clearHeartbeatTimeout()
		t.setHeartbeatInterval()
		return
	}
	t.OnMessage(p)
}

// OnBinary implements Events. Binary messages carry no packets in this
// protocol and are ignored.
func (t *Transport) OnBinary(msg []byte) {
	t.Logger().Debug("ignoring binary message", zap.Int("bytes", len(msg)))
}

// OnPing implements Events.
func (t *Transport) OnPing(payload []byte) {
	if err := t.enqueue(Frame(OpPong, payload)); err != nil {
		t.End("socket error")
	}
}

// OnClose implements Events.
func (t *Transport) OnClose() {
	t.End("socket end")
}
