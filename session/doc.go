// Package session binds transports to handshaken sessions.
//
// A client first performs a handshake, which stores a HandshakeData record
// and hands back a session id. The first transport request carrying that id
// binds a transport to the session and creates a Socket, the application's
// handle for sending messages, emitting events and registering listeners.
//
// Manager is safe for concurrent use. Listener callbacks run on the goroutine
// of the transport that read the packet, so a slow listener delays the
// packets behind it on that session only. Panics in listeners are recovered
// and logged.
package session
