// Package transport defines the lifecycle shared by every wire transport.
//
// A transport moves through four states and never back:
//
//	Connecting -> Connected -> Disconnecting -> Disconnected
//
// Base carries that state machine. Packets sent while Connecting are held
// until Open; packets sent once Disconnected are dropped. Every way a
// transport can finish (client disconnect, error packet, heartbeat or close
// timeout, socket failure) funnels through End, which closes the Sink and
// calls Handler.OnDisconnect exactly once.
//
// Concrete transports live in the websocket and polling subpackages. They
// embed *Base, provide a Sink for the physical write path and feed decoded
// packets to OnMessage:
//
//	base := transport.NewBase(id, "websocket", manager, logger)
//	base.SetSink(conn)
//	base.Open(protocol.Packet{Type: protocol.TypeConnect})
//	for p := range incoming {
//		base.OnMessage(p)
//	}
package transport
