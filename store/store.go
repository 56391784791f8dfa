package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wricardo/sioserver/config"
	"github.com/wricardo/sioserver/protocol"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrTimeout  = errors.New("queue wait timed out")
)

// HandshakeData is the snapshot of the request that performed the handshake.
type HandshakeData struct {
	Address string      `json:"address" cbor:"1,keyasint"`
	Headers http.Header `json:"headers" cbor:"2,keyasint"`
	Query   url.Values  `json:"query" cbor:"3,keyasint"`
	URL     string      `json:"url" cbor:"4,keyasint"`
	XDomain bool        `json:"xdomain" cbor:"5,keyasint"`
	Secure  bool        `json:"secure" cbor:"6,keyasint"`
	// Issued is the handshake time in unix milliseconds
	Issued int64 `json:"issued" cbor:"7,keyasint"`
}

// IssuedAt returns Issued as a time.
func (h *HandshakeData) IssuedAt() time.Time {
	return time.UnixMilli(h.Issued)
}

// Store holds the per-session state that must be visible to every node
// serving a session: the handshake record, the connected flag and the send
// and receive queues.
//
// Queue reads are fetch-and-clear. GetFromRecvQ and GetFromSendQ return
// immediately when the queue holds packets, otherwise they wait until a push
// arrives, the timeout elapses (ErrTimeout) or ctx is done (ctx.Err()). One
// waiter per queue is the supported pattern; extra waiters never see the
// same packet twice.
type Store interface {
	Handshaken(ctx context.Context, id string) (*HandshakeData, error)
	OnHandshaken(ctx context.Context, id string, data *HandshakeData) error
	Connected(ctx context.Context, id string) (bool, error)
	// OnConnected marks id connected and drops its handshake record.
	OnConnected(ctx context.Context, id string) error

	PushToRecvQ(ctx context.Context, id string, packets ...protocol.Packet) error
	PushToSendQ(ctx context.Context, id string, packets ...protocol.Packet) error
	GetFromRecvQ(ctx context.Context, id string, timeout time.Duration) ([]protocol.Packet, error)
	GetFromSendQ(ctx context.Context, id string, timeout time.Duration) ([]protocol.Packet, error)

	// DestroyConnection forgets everything about id, after delay when positive.
	DestroyConnection(ctx context.Context, id string, delay time.Duration) error

	// Run performs background maintenance until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Store.Backend.
func Open(cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory, "":
		return NewMemoryStore(MemoryOptions{
			HandshakeExpiration: cfg.HandshakeExpiration,
			GCInterval:          cfg.HandshakeGCInterval,
		}, logger), nil
	case config.StoreRedis:
		codec, err := CodecByName(cfg.Store.Redis.Codec)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return NewRedisStore(client, RedisOptions{
			Prefix:              cfg.Store.Redis.Prefix,
			Codec:               codec,
			HandshakeExpiration: cfg.HandshakeExpiration,
			CloseTimeout:        cfg.CloseTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
