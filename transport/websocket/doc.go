// Package websocket implements the WebSocket transport.
//
// The transport performs the RFC 6455 upgrade itself: it validates the
// Upgrade header, the origin and the client key, hijacks the connection and
// answers 101 with the computed Sec-WebSocket-Accept. From then on bytes are
// fed to a push-based Parser and outgoing packets are framed by Frame.
//
// Parser:
//
// The parser walks header -> extended length -> mask -> payload for each
// frame and calls back once per complete message. It handles 7, 16 and 64
// bit lengths, masking, fragmented text and binary messages with control
// frames interleaved, pings (answered with a pong echoing the payload) and
// close frames. Reserved bits, stray continuation frames and fragmented
// control frames are protocol errors. Holding more than MaxBuffer bytes,
// or being told to expect that many, gets the client kicked.
//
// Heartbeat:
//
// Every HeartbeatInterval the server sends a heartbeat packet and expects
// one back within HeartbeatTimeout, otherwise the transport ends with reason
// "heartbeat timeout". Only one of the two timers is armed at any time.
//
// Concurrency:
//
// Serve runs the read loop on the request goroutine. A single writer
// goroutine owns every write, mirroring the read/write pump split, and
// closes the connection after draining its queue when the transport ends.
//
// Usage:
//
//	t := websocket.New(id, manager, st, websocket.Options{
//		Origins:           []string{"*:*"},
//		Heartbeats:        true,
//		HeartbeatInterval: 25 * time.Second,
//		HeartbeatTimeout:  60 * time.Second,
//	}, logger)
//	t.Serve(w, r) // blocks until the transport ends
package websocket
