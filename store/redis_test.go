package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wricardo/sioserver/protocol"
)

func newTestRedisStore(t *testing.T, codec Codec) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, RedisOptions{
		Prefix:              "test",
		Codec:               codec,
		HandshakeExpiration: 30 * time.Second,
		CloseTimeout:        60 * time.Second,
	}, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	cborCodec, err := CBORCodec()
	if err != nil {
		t.Fatalf("CBORCodec failed: %v", err)
	}

	for _, codec := range []Codec{JSONCodec(), cborCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			runStoreContract(t, func(t *testing.T) Store {
				s, _ := newTestRedisStore(t, codec)
				return s
			})
		})
	}
}

func TestRedisStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, JSONCodec())

	s.OnHandshaken(ctx, "abc", &HandshakeData{Address: "1.2.3.4"})
	if !mr.Exists("test:handshaken:abc") {
		t.Fatal("Expected handshake key")
	}
	if ttl := mr.TTL("test:handshaken:abc"); ttl != 30*time.Second {
		t.Errorf("Expected handshake TTL 30s, got %v", ttl)
	}

	s.OnConnected(ctx, "abc")
	if mr.Exists("test:handshaken:abc") {
		t.Error("Handshake key should be deleted on connect")
	}
	if !mr.Exists("test:connected:abc") {
		t.Error("Expected connected key")
	}

	s.PushToSendQ(ctx, "abc", protocol.Packet{Type: protocol.TypeMessage, Data: "x"})
	list, err := mr.List("test:sendq:abc")
	if err != nil {
		t.Fatalf("Expected send queue list: %v", err)
	}
	if len(list) != 1 || list[0] != `{"type":3,"data":"x"}` {
		t.Errorf("Unexpected queue contents %v", list)
	}
}

func TestRedisStore_HandshakeExpires(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, JSONCodec())

	s.OnHandshaken(ctx, "abc", &HandshakeData{})
	mr.FastForward(31 * time.Second)

	if _, err := s.Handshaken(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired handshake, got %v", err)
	}
}

func TestRedisStore_RecvQRefreshesConnected(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, JSONCodec())

	s.OnConnected(ctx, "abc")
	mr.FastForward(50 * time.Second)

	s.PushToRecvQ(ctx, "abc", protocol.Packet{Type: protocol.TypeNoop})
	if _, err := s.GetFromRecvQ(ctx, "abc", time.Second); err != nil {
		t.Fatalf("GetFromRecvQ failed: %v", err)
	}
	if ttl := mr.TTL("test:connected:abc"); ttl != 60*time.Second {
		t.Errorf("Expected connected TTL refreshed to 60s, got %v", ttl)
	}
}

func TestRedisStore_DelayedDestroy(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, JSONCodec())

	s.OnConnected(ctx, "abc")
	s.PushToRecvQ(ctx, "abc", protocol.Packet{Type: protocol.TypeNoop})

	if err := s.DestroyConnection(ctx, "abc", 15*time.Second); err != nil {
		t.Fatalf("DestroyConnection failed: %v", err)
	}
	if ttl := mr.TTL("test:connected:abc"); ttl != 15*time.Second {
		t.Errorf("Expected connected TTL 15s, got %v", ttl)
	}

	mr.FastForward(16 * time.Second)
	if mr.Exists("test:connected:abc") || mr.Exists("test:recvq:abc") {
		t.Error("Keys should expire after the delay")
	}
}

func TestRedisStore_CBORHandshake(t *testing.T) {
	codec, err := CBORCodec()
	if err != nil {
		t.Fatalf("CBORCodec failed: %v", err)
	}
	ctx := context.Background()
	s, _ := newTestRedisStore(t, codec)

	data := &HandshakeData{
		Address: "1.2.3.4:80",
		Headers: http.Header{"User-Agent": {"test"}},
		Query:   map[string][]string{"t": {"123"}},
		XDomain: true,
		Issued:  1700000000000,
	}
	s.OnHandshaken(ctx, "abc", data)

	got, err := s.Handshaken(ctx, "abc")
	if err != nil {
		t.Fatalf("Handshaken failed: %v", err)
	}
	if !reflect.DeepEqual(got, data) {
		t.Errorf("Expected %+v, got %+v", data, got)
	}

	ack := protocol.Packet{Type: protocol.TypeAck, AckID: 3, Args: []json.RawMessage{json.RawMessage(`{"ok":true}`)}}
	s.PushToSendQ(ctx, "abc", ack)
	packets, err := s.GetFromSendQ(ctx, "abc", time.Second)
	if err != nil {
		t.Fatalf("GetFromSendQ failed: %v", err)
	}
	if !reflect.DeepEqual(packets, []protocol.Packet{ack}) {
		t.Errorf("Expected %#v, got %#v", ack, packets)
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "JSON", "cbor"} {
		if _, err := CodecByName(name); err != nil {
			t.Errorf("CodecByName(%q) failed: %v", name, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("Expected error for unknown codec")
	}
}
