// Package store implements the session store shared by every transport.
//
// A session record holds the handshake snapshot, a connected flag and two
// packet queues. The receive queue carries packets from the client to the
// transport that owns the session; the send queue carries packets from the
// server to whichever polling request picks them up next. Keeping both in the
// store is what lets a session survive the gap between two polling requests,
// and, with the Redis backend, lets those requests land on different nodes.
//
// Backends:
//   - MemoryStore: maps under a mutex, one buffered notification channel per
//     queue, and a Run loop purging handshakes that never connected
//   - RedisStore: lists plus pub/sub wakeups, TTL based expiry, values packed
//     with a Codec (JSON or canonical CBOR)
//
// Usage:
//
//	st := store.NewMemoryStore(store.MemoryOptions{}, logger)
//	go st.Run(ctx)
//
//	_ = st.PushToSendQ(ctx, id, protocol.Packet{Type: protocol.TypeMessage, Data: "hi"})
//	packets, err := st.GetFromSendQ(ctx, id, 20*time.Second)
//	if errors.Is(err, store.ErrTimeout) {
//		// nothing arrived
//	}
package store
