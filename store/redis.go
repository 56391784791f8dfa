package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wricardo/sioserver/protocol"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Prefix namespaces every key, "sio" when empty
	Prefix string
	// Codec packs handshake records and queued packets, JSON when nil
	Codec               Codec
	HandshakeExpiration time.Duration
	// CloseTimeout bounds the life of the connected flag and of an undrained queue
	CloseTimeout time.Duration
}

// RedisStore shares sessions between nodes through Redis. Queue pushes are
// announced on a pub/sub channel named after the queue key so a waiter on
// any node wakes up.
//
// Keys:
//
//	<prefix>:handshaken:<id>  packed HandshakeData, expires after HandshakeExpiration
//	<prefix>:connected:<id>   "1" while a transport owns the session
//	<prefix>:recvq:<id>       list of packed packets
//	<prefix>:sendq:<id>       list of packed packets
type RedisStore struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.Logger
}

// NewRedisStore wraps client. Close closes client.
func NewRedisStore(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "sio"
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec()
	}
	if opts.HandshakeExpiration <= 0 {
		opts.HandshakeExpiration = 30 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		opts:   opts,
		logger: logger.Named("store").With(zap.String("backend", "redis")),
	}
}

func (s *RedisStore) key(kind, id string) string {
	return s.opts.Prefix + ":" + kind + ":" + id
}

func (s *RedisStore) queueKey(kind queueKind, id string) string {
	return s.key(kind.String(), id)
}

func (s *RedisStore) Handshaken(ctx context.Context, id string) (*HandshakeData, error) {
	raw, err := s.client.Get(ctx, s.key("handshaken", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get handshake: %w", err)
	}

	var data HandshakeData
	if err := s.opts.Codec.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	return &data, nil
}

func (s *RedisStore) OnHandshaken(ctx context.Context, id string, data *HandshakeData) error {
	raw, err := s.opts.Codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if err := s.client.Set(ctx, s.key("handshaken", id), raw, s.opts.HandshakeExpiration).Err(); err != nil {
		return fmt.Errorf("set handshake: %w", err)
	}
	return nil
}

func (s *RedisStore) Connected(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("connected", id)).Result()
	if err != nil {
		return false, fmt.Errorf("check connected: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) OnConnected(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("connected", id), "1", s.opts.CloseTimeout)
	pipe.Del(ctx, s.key("handshaken", id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	return nil
}

func (s *RedisStore) PushToRecvQ(ctx context.Context, id string, packets ...protocol.Packet) error {
	return s.push(ctx, s.queueKey(recvQ, id), packets)
}

func (s *RedisStore) PushToSendQ(ctx context.Context, id string, packets ...protocol.Packet) error {
	return s.push(ctx, s.queueKey(sendQ, id), packets)
}

func (s *RedisStore) push(ctx context.Context, key string, packets []protocol.Packet) error {
	if len(packets) == 0 {
		return nil
	}

	values := make([]any, 0, len(packets))
	for _, p := range packets {
		raw, err := s.opts.Codec.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode packet: %w", err)
		}
		values = append(values, raw)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Publish(ctx, key, "")
	pipe.Expire(ctx, key, s.opts.CloseTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetFromRecvQ(ctx context.Context, id string, timeout time.Duration) ([]protocol.Packet, error) {
	// the owner loop polling its recvQ is what keeps a session alive
	if err := s.client.Expire(ctx, s.key("connected", id), s.opts.CloseTimeout).Err(); err != nil {
		s.logger.Warn("refresh connected ttl", zap.String("sid", id), zap.Error(err))
	}
	return s.get(ctx, s.queueKey(recvQ, id), timeout)
}

func (s *RedisStore) GetFromSendQ(ctx context.Context, id string, timeout time.Duration) ([]protocol.Packet, error) {
	return s.get(ctx, s.queueKey(sendQ, id), timeout)
}

func (s *RedisStore) get(ctx context.Context, key string, timeout time.Duration) ([]protocol.Packet, error) {
	packets, err := s.fetch(ctx, key)
	if err != nil || len(packets) > 0 {
		return packets, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sub := s.client.Subscribe(ctx, key)
	defer sub.Close()

	// wait for the subscription to be live before checking the queue again,
	// otherwise a push landing in between would never wake us
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	notify := sub.Channel()

	for {
		packets, err := s.fetch(ctx, key)
		if err != nil || len(packets) > 0 {
			return packets, err
		}

		select {
		case <-notify:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fetch reads and deletes the whole queue in one transaction.
func (s *RedisStore) fetch(ctx context.Context, key string) ([]protocol.Packet, error) {
	pipe := s.client.TxPipeline()
	lrange := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	raws := lrange.Val()
	if len(raws) == 0 {
		return nil, nil
	}
	packets := make([]protocol.Packet, 0, len(raws))
	for _, raw := range raws {
		var p protocol.Packet
		if err := s.opts.Codec.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("dropping undecodable packet", zap.String("key", key), zap.Error(err))
			continue
		}
		packets = append(packets, p)
	}
	return packets, nil
}

func (s *RedisStore) DestroyConnection(ctx context.Context, id string, delay time.Duration) error {
	keys := []string{
		s.key("handshaken", id),
		s.key("connected", id),
		s.queueKey(recvQ, id),
		s.queueKey(sendQ, id),
	}

	var err error
	if delay > 0 {
		pipe := s.client.Pipeline()
		for _, k := range keys {
			pipe.Expire(ctx, k, delay)
		}
		_, err = pipe.Exec(ctx)
	} else {
		err = s.client.Del(ctx, keys...).Err()
	}
	if err != nil {
		return fmt.Errorf("destroy %s: %w", id, err)
	}
	return nil
}

// Run blocks until ctx is done. Key expiry does the garbage collection.
func (s *RedisStore) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
