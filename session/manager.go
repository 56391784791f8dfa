package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/config"
	"github.com/wricardo/sioserver/observability"
	"github.com/wricardo/sioserver/protocol"
	"github.com/wricardo/sioserver/store"
	"github.com/wricardo/sioserver/transport"
	"github.com/wricardo/sioserver/transport/polling"
	"github.com/wricardo/sioserver/transport/websocket"
)

var (
	ErrSocketNotFound   = errors.New("socket not found")
	ErrUnknownTransport = errors.New("unknown transport")
)

var jsonpRe = regexp.MustCompile(`^\d+$`)

// AuthorizeFunc decides whether a handshake is accepted. It may modify
// data; the modified value is what the store keeps.
type AuthorizeFunc func(ctx context.Context, data *store.HandshakeData) (bool, error)

// ConnectionFunc is called for every new socket before its transport starts
// serving. Packets sent from it reach the client right after connect.
type ConnectionFunc func(s *Socket)

// Manager runs handshakes, binds transports to sessions and routes incoming
// packets to sockets.
type Manager struct {
	cfg     *config.Config
	store   store.Store
	polling *polling.Handler
	logger  *zap.Logger

	seq atomic.Uint32

	mu          sync.RWMutex
	sockets     map[string]*Socket
	connections []ConnectionFunc
	authorize   AuthorizeFunc
}

// NewManager creates a manager serving sessions kept in st.
func NewManager(cfg *config.Config, st store.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("manager")
	return &Manager{
		cfg:   cfg,
		store: st,
		polling: polling.NewHandler(st, polling.Options{
			CloseTimeout:    cfg.CloseTimeout,
			PollingDuration: cfg.PollingDuration,
			MaxBuffer:       cfg.DestroyBufferSize,
		}, logger),
		logger:  logger,
		sockets: make(map[string]*Socket),
	}
}

// SetAuthorization installs the handshake authorization callback. Without
// one every handshake is accepted.
func (m *Manager) SetAuthorization(fn AuthorizeFunc) {
	m.mu.Lock()
	m.authorize = fn
	m.mu.Unlock()
}

// OnConnection registers a callback for new sockets.
func (m *Manager) OnConnection(fn ConnectionFunc) {
	m.mu.Lock()
	m.connections = append(m.connections, fn)
	m.mu.Unlock()
}

// ProtocolSupported reports whether clients speaking version may connect.
func (m *Manager) ProtocolSupported(version string) bool {
	return version == strconv.Itoa(m.cfg.Protocol)
}

// HandleHandshake answers a handshake request with
// "id:heartbeatTimeout:closeTimeout:transports".
func (m *Manager) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jsonp := r.URL.Query().Get("jsonp")
	if !jsonpRe.MatchString(jsonp) {
		jsonp = ""
	}

	writeErr := func(status int, message string) {
		if jsonp != "" {
			w.Header().Set("Content-Type", "application/javascript")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "io.j["+jsonp+"](new Error(\""+message+"\"));")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		io.WriteString(w, message)
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if !transport.OriginAllowed(m.cfg.Origins, origin) {
		m.logger.Warn("illegal origin", zap.String("origin", origin))
		observability.RecordHandshake("bad_origin")
		writeErr(http.StatusForbidden, "handshake bad origin")
		return
	}

	data := handshakeData(r)

	m.mu.RLock()
	authorize := m.authorize
	m.mu.RUnlock()
	authorized := true
	if authorize != nil {
		var err error
		if authorized, err = authorize(ctx, data); err != nil {
			m.logger.Warn("handshake error", zap.Error(err))
			observability.RecordHandshake("error")
			writeErr(http.StatusInternalServerError, "handshake error")
			return
		}
	}
	if !authorized {
		m.logger.Info("handshake unauthorized", zap.String("address", data.Address))
		observability.RecordHandshake("unauthorized")
		writeErr(http.StatusForbidden, "handshake unauthorized")
		return
	}

	id := m.generateID()
	if err := m.store.OnHandshaken(ctx, id, data); err != nil {
		m.logger.Error("store handshake", zap.String("sid", id), zap.Error(err))
		observability.RecordStoreError("handshaken")
		observability.RecordHandshake("error")
		writeErr(http.StatusInternalServerError, "handshake error")
		return
	}

	heartbeat := ""
	if m.cfg.Heartbeats {
		heartbeat = seconds(m.cfg.HeartbeatTimeout)
	}
	hs := strings.Join([]string{
		id,
		heartbeat,
		seconds(m.cfg.CloseTimeout),
		strings.Join(m.cfg.Transports, ","),
	}, ":")

	if jsonp != "" {
		quoted, _ := json.Marshal(hs)
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "io.j["+jsonp+"]("+string(quoted)+");")
	} else {
		w.Header().Set("Content-Type", "text/plain")
		if o := r.Header.Get("Origin"); o != "" {
			w.Header().Set("Access-Control-Allow-Origin", o)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, hs)
	}

	observability.RecordHandshake("ok")
	m.logger.Info("handshake authorized", zap.String("sid", id))
}

func handshakeData(r *http.Request) *store.HandshakeData {
	return &store.HandshakeData{
		Address: r.RemoteAddr,
		Headers: r.Header.Clone(),
		Query:   r.URL.Query(),
		URL:     r.URL.RequestURI(),
		XDomain: r.Header.Get("Origin") != "",
		Secure:  r.TLS != nil,
		Issued:  time.Now().UnixMilli(),
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

// HandleClient serves a transport request for session id: the request that
// binds a transport to a handshaken session, or a later polling request.
func (m *Manager) HandleClient(w http.ResponseWriter, r *http.Request, name, id string) {
	ctx := r.Context()
	log := m.logger.With(zap.String("sid", id), zap.String("transport", name))

	if r.URL.Query().Has("disconnect") {
		if err := m.store.PushToRecvQ(ctx, id, protocol.Packet{Type: protocol.TypeDisconnect}); err != nil {
			log.Warn("push disconnect", zap.Error(err))
			observability.RecordStoreError("push_recvq")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if !m.cfg.TransportEnabled(name) {
		log.Warn("unknown transport")
		dropConnection(w)
		return
	}

	if m.bound(ctx, id) {
		m.serveBound(w, r, name, id)
		return
	}

	hs, err := m.store.Handshaken(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("load handshake", zap.Error(err))
			observability.RecordStoreError("handshaken")
		}
		log.Warn("client not handshaken")
		m.notHandshaken(w, r, name)
		return
	}

	if err := m.store.OnConnected(ctx, id); err != nil {
		log.Error("mark connected", zap.Error(err))
		observability.RecordStoreError("connected")
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	m.connect(w, r, name, id, hs)
}

// bound reports whether id already has a transport, on this node or any
// other sharing the store.
func (m *Manager) bound(ctx context.Context, id string) bool {
	m.mu.RLock()
	_, local := m.sockets[id]
	m.mu.RUnlock()
	if local {
		return true
	}

	connected, err := m.store.Connected(ctx, id)
	if err != nil {
		m.logger.Warn("check connected", zap.String("sid", id), zap.Error(err))
		observability.RecordStoreError("connected")
		return false
	}
	return connected
}

// serveBound answers a request for a session that already has a transport.
// Only polling requests make sense there.
func (m *Manager) serveBound(w http.ResponseWriter, r *http.Request, name, id string) {
	if name == websocket.Name {
		http.Error(w, "session already connected", http.StatusBadRequest)
		return
	}
	m.polling.Serve(w, r, name, id)
}

func (m *Manager) notHandshaken(w http.ResponseWriter, r *http.Request, name string) {
	if name == websocket.Name {
		http.Error(w, protocol.ReasonClientNotHandshaken, http.StatusBadRequest)
		return
	}
	m.polling.WritePayload(w, r, name, []protocol.Packet{{
		Type:   protocol.TypeError,
		Reason: protocol.ReasonClientNotHandshaken,
		Advice: protocol.AdviceReconnect,
	}})
}

func (m *Manager) connect(w http.ResponseWriter, r *http.Request, name, id string, hs *store.HandshakeData) {
	var serve func(http.ResponseWriter, *http.Request)
	var t transport.Transport

	switch name {
	case websocket.Name:
		ws := websocket.New(id, m, m.store, websocket.Options{
			Origins:           m.cfg.Origins,
			Heartbeats:        m.cfg.Heartbeats,
			HeartbeatInterval: m.cfg.HeartbeatInterval,
			HeartbeatTimeout:  m.cfg.HeartbeatTimeout,
			MaxBuffer:         m.cfg.DestroyBufferSize,
		}, m.logger)
		t, serve = ws, ws.Serve
	case polling.XHR, polling.JSONP:
		p := polling.New(id, name, m, m.polling, m.logger)
		t, serve = p, p.Serve
	default:
		m.logger.Error("no implementation for transport", zap.String("transport", name), zap.Error(ErrUnknownTransport))
		dropConnection(w)
		return
	}

	sock := newSocket(m, id, hs, t)
	m.mu.Lock()
	if _, exists := m.sockets[id]; exists {
		// lost a race with another binding request for the same session
		m.mu.Unlock()
		m.serveBound(w, r, name, id)
		return
	}
	m.sockets[id] = sock
	connections := slices.Clone(m.connections)
	m.mu.Unlock()

	for _, fn := range connections {
		m.safely(sock.logger, "connection", func() { fn(sock) })
	}

	serve(w, r)
}

// HandlePacket routes a packet read by the transport of session id.
func (m *Manager) HandlePacket(id string, p protocol.Packet) {
	sock := m.Socket(id)
	if sock == nil {
		m.logger.Debug("packet for unknown socket", zap.String("sid", id))
		return
	}

	switch p.Type {
	case protocol.TypeAck:
		sock.resolveAck(p.AckID, p.Args)
		return

	case protocol.TypeEvent:
		if slices.Contains(m.cfg.Blacklist, p.Name) {
			sock.logger.Debug("ignoring blacklisted event", zap.String("event", p.Name))
			return
		}
		sock.fire(m.event(sock, p, &Event{Name: p.Name, Args: p.Args}))

	case protocol.TypeMessage, protocol.TypeJSON:
		sock.fire(m.event(sock, p, &Event{Name: "message", Data: p.Data}))

	case protocol.TypeConnect:
		if p.Endpoint != "" {
			sock.transport.Packet(protocol.Packet{Type: protocol.TypeConnect, Endpoint: p.Endpoint})
		}
		return

	default:
		return
	}

	if p.ID > 0 && p.Ack == protocol.AckTrue {
		sock.transport.Packet(protocol.Packet{Type: protocol.TypeAck, AckID: p.ID, Endpoint: p.Endpoint})
	}
}

// event attaches a data ack callback to e when p asks for one.
func (m *Manager) event(sock *Socket, p protocol.Packet, e *Event) *Event {
	if p.ID > 0 && p.Ack == protocol.AckData {
		e.ack = func(args []json.RawMessage) {
			sock.transport.Packet(protocol.Packet{Type: protocol.TypeAck, AckID: p.ID, Args: args, Endpoint: p.Endpoint})
		}
	}
	return e
}

// OnDisconnect is called once by a transport when it ends.
func (m *Manager) OnDisconnect(id string, reason string) {
	m.mu.Lock()
	sock := m.sockets[id]
	delete(m.sockets, id)
	m.mu.Unlock()

	if sock != nil {
		sock.onDisconnect(reason)
	}

	if err := m.store.DestroyConnection(context.Background(), id, m.cfg.ClientStoreExpiration); err != nil {
		m.logger.Warn("destroy connection", zap.String("sid", id), zap.Error(err))
		observability.RecordStoreError("destroy")
	}
}

// Socket returns the socket for id, or nil.
func (m *Manager) Socket(id string) *Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sockets[id]
}

// Sockets returns the connected sockets ordered by id.
func (m *Manager) Sockets() []*Socket {
	m.mu.RLock()
	result := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		result = append(result, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Socket) int { return strings.Compare(a.id, b.id) })
	return result
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sockets)
}

// Kick disconnects the socket for id.
func (m *Manager) Kick(id string) error {
	sock := m.Socket(id)
	if sock == nil {
		return ErrSocketNotFound
	}
	sock.Disconnect()
	return nil
}

// Close disconnects every socket.
func (m *Manager) Close() {
	for _, s := range m.Sockets() {
		s.transport.Disconnect("server shutdown")
	}
}

// safely runs application callbacks so a panic in one cannot take the
// transport down with it.
func (m *Manager) safely(log *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("listener panic",
				zap.String("event", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// dropConnection closes the client connection without a response.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, ErrUnknownTransport.Error(), http.StatusBadRequest)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}
