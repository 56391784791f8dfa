// Package protocol implements the packet codec spoken over every transport.
//
// A packet is encoded as colon separated fields:
//
//	type:id[+]:endpoint[:data]
//
// where type is the numeric packet code, id is an optional acknowledgement
// id (a trailing "+" asks for a data ack) and data depends on the type:
// raw text for messages, JSON for json and event packets, "ackId[+args]"
// for acks and "reason[+advice]" indexes for errors.
//
// Several packets travelling in one HTTP body or one WebSocket frame are
// batched as a payload, each packet prefixed by its byte length:
//
//	7:3:::foo10:5:::{"x":1}
//
// Decoding never fails. Malformed input turns into an error packet with
// reason "parse" and advice "reconnect", which transports hand back to the
// client so it can start over.
//
// Usage:
//
//	wire := protocol.EncodePayload(
//		protocol.Packet{Type: protocol.TypeConnect},
//		protocol.Packet{Type: protocol.TypeMessage, Data: "hello"},
//	)
//	packets := protocol.DecodePayload(wire)
package protocol
