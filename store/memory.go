package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wricardo/sioserver/protocol"
)

type queueKind int

const (
	recvQ queueKind = iota
	sendQ
)

func (k queueKind) String() string {
	if k == recvQ {
		return "recvq"
	}
	return "sendq"
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// HandshakeExpiration is how long a handshake may wait for its first connect
	HandshakeExpiration time.Duration
	// GCInterval is how often Run purges expired handshakes
	GCInterval time.Duration
}

type queue struct {
	packets []protocol.Packet
	// notify holds at most one pending wakeup
	notify chan struct{}
}

type record struct {
	handshake  *HandshakeData
	handshaken time.Time
	connected  bool
	lastUsed   time.Time
	queues     [2]*queue
}

// MemoryStore keeps every session in process memory. It is the right choice
// for a single node.
type MemoryStore struct {
	opts   MemoryOptions
	logger *zap.Logger

	mu       sync.Mutex
	records  map[string]*record
	destroys map[string]*time.Timer
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts MemoryOptions, logger *zap.Logger) *MemoryStore {
	if opts.HandshakeExpiration <= 0 {
		opts.HandshakeExpiration = 30 * time.Second
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		opts:     opts,
		logger:   logger.Named("store"),
		records:  make(map[string]*record),
		destroys: make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// record returns the record for id, creating it on first use. Callers hold mu.
func (s *MemoryStore) record(id string) *record {
	r, ok := s.records[id]
	if !ok {
		r = &record{}
		for i := range r.queues {
			r.queues[i] = &queue{notify: make(chan struct{}, 1)}
		}
		s.records[id] = r
	}
	r.lastUsed = s.now()
	return r
}

func (s *MemoryStore) Handshaken(ctx context.Context, id string) (*HandshakeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || r.handshake == nil {
		return nil, ErrNotFound
	}
	return r.handshake, nil
}

func (s *MemoryStore) OnHandshaken(ctx context.Context, id string, data *HandshakeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(id)
	r.handshake = data
	r.handshaken = s.now()
	return nil
}

func (s *MemoryStore) Connected(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	return ok && r.connected, nil
}

func (s *MemoryStore) OnConnected(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(id)
	r.connected = true
	r.handshake = nil
	return nil
}

func (s *MemoryStore) PushToRecvQ(ctx context.Context, id string, packets ...protocol.Packet) error {
	s.push(id, recvQ, packets)
	return nil
}

func (s *MemoryStore) PushToSendQ(ctx context.Context, id string, packets ...protocol.Packet) error {
	s.push(id, sendQ, packets)
	return nil
}

func (s *MemoryStore) push(id string, kind queueKind, packets []protocol.Packet) {
	if len(packets) == 0 {
		return
	}

	s.mu.Lock()
	q := s.record(id).queues[kind]
	q.packets = append(q.packets, packets...)
	s.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (s *MemoryStore) GetFromRecvQ(ctx context.Context, id string, timeout time.Duration) ([]protocol.Packet, error) {
	return s.get(ctx, id, recvQ, timeout)
}

func (s *MemoryStore) GetFromSendQ(ctx context.Context, id string, timeout time.Duration) ([]protocol.Packet, error) {
	return s.get(ctx, id, sendQ, timeout)
}

func (s *MemoryStore) get(ctx context.Context, id string, kind queueKind, timeout time.Duration) ([]protocol.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		q := s.record(id).queues[kind]
		if len(q.packets) > 0 {
			packets := q.packets
			q.packets = nil
			s.mu.Unlock()
			return packets, nil
		}
		s.mu.Unlock()

		// a wakeup can be stale when another reader drained the queue first
		select {
		case <-q.notify:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *MemoryStore) DestroyConnection(ctx context.Context, id string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.destroys[id]; ok {
		t.Stop()
		delete(s.destroys, id)
	}
	if delay <= 0 {
		delete(s.records, id)
		return nil
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroys[id] != t {
			return
		}
		delete(s.destroys, id)
		delete(s.records, id)
	})
	s.destroys[id] = t
	return nil
}

// Run purges expired handshakes every GCInterval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				s.logger.Debug("purged expired handshakes", zap.Int("count", n))
			}
		}
	}
}

// CleanupExpired removes handshakes older than HandshakeExpiration that never
// connected, along with idle records nobody owns. It returns how many records
// were removed.
func (s *MemoryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.opts.HandshakeExpiration)
	removed := 0

	for id, r := range s.records {
		if r.connected {
			continue
		}
		expired := r.handshake != nil && r.handshaken.Before(cutoff)
		orphan := r.handshake == nil && r.lastUsed.Before(cutoff) && r.empty()
		if expired || orphan {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of records held.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.destroys {
		t.Stop()
		delete(s.destroys, id)
	}
	return nil
}

func (r *record) empty() bool {
	return len(r.queues[recvQ].packets) == 0 && len(r.queues[sendQ].packets) == 0
}
