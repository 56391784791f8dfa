package store

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/wricardo/sioserver/protocol"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("handshake lifecycle", func(t *testing.T) {
		s := newStore(t)

		if _, err := s.Handshaken(ctx, "abc"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}

		data := &HandshakeData{Address: "10.0.0.1:5000", URL: "/socket.io/1/", Issued: 1700000000000}
		if err := s.OnHandshaken(ctx, "abc", data); err != nil {
			t.Fatalf("OnHandshaken failed: %v", err)
		}
		got, err := s.Handshaken(ctx, "abc")
		if err != nil {
			t.Fatalf("Handshaken failed: %v", err)
		}
		if got.Address != data.Address || got.URL != data.URL || got.Issued != data.Issued {
			t.Errorf("Expected %+v, got %+v", data, got)
		}

		if ok, _ := s.Connected(ctx, "abc"); ok {
			t.Error("Session should not be connected yet")
		}
		if err := s.OnConnected(ctx, "abc"); err != nil {
			t.Fatalf("OnConnected failed: %v", err)
		}
		if err := s.OnConnected(ctx, "abc"); err != nil {
			t.Fatalf("OnConnected should be idempotent: %v", err)
		}
		if ok, _ := s.Connected(ctx, "abc"); !ok {
			t.Error("Session should be connected")
		}
		if _, err := s.Handshaken(ctx, "abc"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Handshake record should be gone after connect, got %v", err)
		}
	})

	t.Run("fetch and clear keeps order", func(t *testing.T) {
		s := newStore(t)
		first := protocol.Packet{Type: protocol.TypeMessage, Data: "one"}
		second := protocol.Packet{Type: protocol.TypeEvent, Name: "two"}
		third := protocol.Packet{Type: protocol.TypeHeartbeat}

		if err := s.PushToSendQ(ctx, "q", first, second); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if err := s.PushToSendQ(ctx, "q", third); err != nil {
			t.Fatalf("Push failed: %v", err)
		}

		got, err := s.GetFromSendQ(ctx, "q", time.Second)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		want := []protocol.Packet{first, second, third}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %#v, got %#v", want, got)
		}

		if _, err := s.GetFromSendQ(ctx, "q", 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("Queue should be empty after fetch, got %v", err)
		}
	})

	t.Run("queues are independent", func(t *testing.T) {
		s := newStore(t)
		s.PushToRecvQ(ctx, "q", protocol.Packet{Type: protocol.TypeNoop})

		if _, err := s.GetFromSendQ(ctx, "q", 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("Send queue should be empty, got %v", err)
		}
		got, err := s.GetFromRecvQ(ctx, "q", time.Second)
		if err != nil || len(got) != 1 {
			t.Errorf("Expected 1 packet from recv queue, got %v (%v)", got, err)
		}
	})

	t.Run("waiter wakes on push", func(t *testing.T) {
		s := newStore(t)
		done := make(chan []protocol.Packet, 1)
		go func() {
			packets, err := s.GetFromRecvQ(ctx, "w", 5*time.Second)
			if err != nil {
				t.Errorf("Get failed: %v", err)
			}
			done <- packets
		}()

		time.Sleep(100 * time.Millisecond)
		start := time.Now()
		if err := s.PushToRecvQ(ctx, "w", protocol.Packet{Type: protocol.TypeMessage, Data: "late"}); err != nil {
			t.Fatalf("Push failed: %v", err)
		}

		select {
		case packets := <-done:
			if len(packets) != 1 || packets[0].Data != "late" {
				t.Errorf("Expected the late packet, got %#v", packets)
			}
			if time.Since(start) > 2*time.Second {
				t.Error("Waiter woke too slowly")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Waiter never woke up")
		}
	})

	t.Run("empty wait lasts the full timeout without blocking other sessions", func(t *testing.T) {
		s := newStore(t)
		const timeout = 300 * time.Millisecond

		waited := make(chan time.Duration, 1)
		go func() {
			start := time.Now()
			if _, err := s.GetFromRecvQ(ctx, "idle", timeout); !errors.Is(err, ErrTimeout) {
				t.Errorf("Expected ErrTimeout, got %v", err)
			}
			waited <- time.Since(start)
		}()

		time.Sleep(20 * time.Millisecond)
		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := s.PushToRecvQ(ctx, "busy", protocol.Packet{Type: protocol.TypeNoop}); err != nil {
				t.Fatalf("Push failed: %v", err)
			}
			if got, err := s.GetFromRecvQ(ctx, "busy", time.Second); err != nil || len(got) != 1 {
				t.Fatalf("Expected 1 packet for busy session, got %v (%v)", got, err)
			}
		}
		if elapsed := time.Since(start); elapsed >= timeout {
			t.Errorf("Other session was held up for %v", elapsed)
		}

		select {
		case elapsed := <-waited:
			if elapsed < timeout {
				t.Errorf("Expected wait of at least %v, got %v", timeout, elapsed)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Idle waiter never timed out")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := s.GetFromSendQ(cctx, "c", 5*time.Second)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent readers never duplicate", func(t *testing.T) {
		s := newStore(t)
		const total = 50

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					packets, err := s.GetFromSendQ(ctx, "dup", 300*time.Millisecond)
					if err != nil {
						return
					}
					mu.Lock()
					for _, p := range packets {
						seen[p.Data]++
					}
					mu.Unlock()
				}
			}()
		}

		for i := 0; i < total; i++ {
			s.PushToSendQ(ctx, "dup", protocol.Packet{Type: protocol.TypeMessage, Data: string(rune('A' + i))})
		}
		wg.Wait()

		if len(seen) != total {
			t.Errorf("Expected %d distinct packets, got %d", total, len(seen))
		}
		for data, n := range seen {
			if n != 1 {
				t.Errorf("Packet %q delivered %d times", data, n)
			}
		}
	})

	t.Run("destroy connection", func(t *testing.T) {
		s := newStore(t)
		s.OnHandshaken(ctx, "d", &HandshakeData{})
		s.OnConnected(ctx, "d")
		s.PushToSendQ(ctx, "d", protocol.Packet{Type: protocol.TypeNoop})

		if err := s.DestroyConnection(ctx, "d", 0); err != nil {
			t.Fatalf("DestroyConnection failed: %v", err)
		}
		if ok, _ := s.Connected(ctx, "d"); ok {
			t.Error("Session should not be connected after destroy")
		}
		if _, err := s.GetFromSendQ(ctx, "d", 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Errorf("Queue should be gone after destroy, got %v", err)
		}
	})
}
