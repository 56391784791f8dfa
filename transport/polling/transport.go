package polling

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/observability"
	"github.com/wricardo/sioserver/protocol"
	"github.com/wricardo/sioserver/store"
	"github.com/wricardo/sioserver/transport"
)

// Transport owns a polling session on the node that handshook it. Outgoing
// packets go to the session's send queue; a loop drains the receive queue
// that POST requests fill, on whichever node they land.
type Transport struct {
	*transport.Base
	requests *Handler
	store    store.Store

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a polling transport of the given variant (XHR or JSONP).
func New(id, name string, handler transport.Handler, requests *Handler, logger *zap.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		Base:     transport.NewBase(id, name, handler, logger),
		requests: requests,
		store:    requests.store,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.SetSink(t)
	return t
}

// Serve handles the binding request. A GET is answered with the connect
// packet directly. A POST queues the connect packet for the next GET and is
// then treated as an ordinary POST.
func (t *Transport) Serve(w http.ResponseWriter, r *http.Request) {
	go t.loop()

	if r.Method == http.MethodPost {
		t.Open(protocol.Packet{Type: protocol.TypeConnect})
		t.requests.ServePost(w, r, t.Name(), t.ID())
		return
	}

	t.Open()
	observability.RecordPacket("out", protocol.TypeConnect.String())
	t.requests.WritePayload(w, r, t.Name(), []protocol.Packet{{Type: protocol.TypeConnect}})
}

// Done is closed once the receive loop has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// loop delivers what clients post until the transport ends or the client
// stops polling for longer than the close timeout.
func (t *Transport) loop() {
	defer close(t.done)

	for t.State() != transport.Disconnected {
		packets, err := t.store.GetFromRecvQ(t.ctx, t.ID(), t.requests.opts.CloseTimeout)
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, store.ErrTimeout) {
				t.Logger().Warn("get recv queue", zap.Error(err))
				observability.RecordStoreError("get_recvq")
			}
			t.Disconnect("close timeout")
			return
		}

		for _, p := range packets {
			if p.Type == protocol.TypeNoop {
				continue
			}
			t.OnMessage(p)
		}
	}
}

// Send queues packets for the client's next GET.
func (t *Transport) Send(packets []protocol.Packet) error {
	if err := t.store.PushToSendQ(context.Background(), t.ID(), packets...); err != nil {
		observability.RecordStoreError("push_sendq")
		return err
	}
	return nil
}

// Close stops the receive loop.
func (t *Transport) Close() {
	t.cancel()
}
