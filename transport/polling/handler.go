package polling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/observability"
	"github.com/wricardo/sioserver/protocol"
	"github.com/wricardo/sioserver/store"
)

// Transport names.
const (
	XHR   = "xhr-polling"
	JSONP = "jsonp-polling"
)

var jsonpIndexRe = regexp.MustCompile(`^\d+$`)

// Options configures the polling transports.
type Options struct {
	// CloseTimeout is how long a session survives without any request
	CloseTimeout time.Duration
	// PollingDuration is how long a GET waits for outgoing packets
	PollingDuration time.Duration
	// MaxBuffer caps a POST body; larger bodies get the connection reset
	MaxBuffer int64
}

// Handler serves the requests of sessions that are already connected. It
// holds no per-session state: everything goes through the store, so any
// node can answer any request.
type Handler struct {
	store  store.Store
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a request handler for both polling variants.
func NewHandler(st store.Store, opts Options, logger *zap.Logger) *Handler {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 60 * time.Second
	}
	if opts.PollingDuration <= 0 {
		opts.PollingDuration = 20 * time.Second
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 100_000_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: st, opts: opts, logger: logger.Named("polling")}
}

// Serve dispatches a polling request for session id by method.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, name, id string) {
	if r.Method == http.MethodPost {
		h.ServePost(w, r, name, id)
		return
	}
	h.ServeGet(w, r, name, id)
}

// ServeGet holds the request open until packets are queued for the client
// or PollingDuration elapses, in which case a noop is sent.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request, name, id string) {
	ctx := r.Context()
	log := h.logger.With(zap.String("sid", id), zap.String("transport", name))

	// keeps the owner loop from hitting its close timeout
	if err := h.store.PushToRecvQ(ctx, id, protocol.Packet{Type: protocol.TypeNoop}); err != nil {
		log.Warn("push noop", zap.Error(err))
		observability.RecordStoreError("push_recvq")
	}

	packets, err := h.store.GetFromSendQ(ctx, id, h.opts.PollingDuration)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("client closed polling request")
			return
		}
		if !errors.Is(err, store.ErrTimeout) {
			log.Warn("get send queue", zap.Error(err))
			observability.RecordStoreError("get_sendq")
		}
		packets = []protocol.Packet{{Type: protocol.TypeNoop}}
	}

	h.WritePayload(w, r, name, packets)
}

// ServePost reads the packets a client sends and queues them for the owner
// of the session.
func (h *Handler) ServePost(w http.ResponseWriter, r *http.Request, name, id string) {
	log := h.logger.With(zap.String("sid", id), zap.String("transport", name))

	body, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxBuffer+1))
	if int64(len(body)) > h.opts.MaxBuffer {
		log.Warn("post body exceeds buffer size, resetting connection")
		resetConnection(w)
		return
	}
	if err != nil {
		log.Debug("read post body", zap.Error(err))
		return
	}

	data := string(body)
	if name == JSONP {
		data = decodeJSONPBody(data)
	}

	packets := protocol.DecodePayload(data)
	// the client may hang up right after sending; still deliver
	ctx := context.WithoutCancel(r.Context())
	if err := h.store.PushToRecvQ(ctx, id, packets...); err != nil {
		log.Error("push recv queue", zap.Error(err))
		observability.RecordStoreError("push_recvq")
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=UTF-8")
	if origin := r.Header.Get("Origin"); origin != "" {
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Set("X-XSS-Protection", "0")
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "1")
}

// WritePayload answers a polling request with packets in the variant's format.
func (h *Handler) WritePayload(w http.ResponseWriter, r *http.Request, name string, packets []protocol.Packet) {
	var body string
	if len(packets) == 1 {
		body = protocol.Encode(packets[0])
	} else {
		body = protocol.EncodePayload(packets...)
	}

	if name == JSONP {
		writeJSONP(w, r, body)
	} else {
		writeXHR(w, r, body)
	}
}

func writeXHR(w http.ResponseWriter, r *http.Request, body string) {
	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=UTF-8")
	if origin := r.Header.Get("Origin"); origin != "" {
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

func writeJSONP(w http.ResponseWriter, r *http.Request, body string) {
	index := "0"
	if i := r.URL.Query().Get("i"); jsonpIndexRe.MatchString(i) {
		index = i
	}
	quoted, _ := json.Marshal(body)

	header := w.Header()
	header.Set("Content-Type", "text/javascript; charset=UTF-8")
	header.Set("X-XSS-Protection", "0")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "io.j["+index+"]("+string(quoted)+");")
}

// decodeJSONPBody extracts the form field d, which holds the payload as a
// JSON string. Bodies that do not follow that shape are used as they are.
func decodeJSONPBody(body string) string {
	form, err := url.ParseQuery(body)
	if err != nil || !form.Has("d") {
		return body
	}
	d := form.Get("d")
	var s string
	if err := json.Unmarshal([]byte(d), &s); err != nil {
		return d
	}
	return s
}

// resetConnection drops the TCP connection without a response, discarding
// unsent data.
func resetConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	conn.Close()
}
