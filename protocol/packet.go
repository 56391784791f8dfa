package protocol

import (
	"encoding/json"
	"strconv"
)

// Type identifies the kind of a packet. The numeric value is the wire code.
type Type int

const (
	TypeDisconnect Type = iota
	TypeConnect
	TypeHeartbeat
	TypeMessage
	TypeJSON
	TypeEvent
	TypeAck
	TypeError
	TypeNoop
)

var typeNames = [...]string{
	TypeDisconnect: "disconnect",
	TypeConnect:    "connect",
	TypeHeartbeat:  "heartbeat",
	TypeMessage:    "message",
	TypeJSON:       "json",
	TypeEvent:      "event",
	TypeAck:        "ack",
	TypeError:      "error",
	TypeNoop:       "noop",
}

// String returns the protocol name of the packet type.
func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	return t >= TypeDisconnect && t <= TypeNoop
}

// AckMode tells the receiver how a packet carrying an ID wants to be acknowledged.
type AckMode int

const (
	// AckNone means no acknowledgement was requested.
	AckNone AckMode = iota
	// AckTrue requests a bare acknowledgement.
	AckTrue
	// AckData requests an acknowledgement carrying arguments (the "+" id suffix).
	AckData
)

// Error reasons and advice known to clients. They are written to the wire as
// indexes into these tables.
const (
	ReasonTransportNotSupported = "transport not supported"
	ReasonClientNotHandshaken   = "client not handshaken"
	ReasonUnauthorized          = "unauthorized"
	ReasonParse                 = "parse"

	AdviceReconnect = "reconnect"
)

var (
	reasons = []string{ReasonTransportNotSupported, ReasonClientNotHandshaken, ReasonUnauthorized}
	advices = []string{AdviceReconnect}
)

// Packet is one logical protocol message.
//
// Which fields are meaningful depends on Type:
//   - message: Data is the raw text
//   - json: Data is raw JSON text
//   - connect: Data is the query string
//   - event: Name and Args
//   - ack: AckID and Args
//   - error: Reason and Advice
type Packet struct {
	Type     Type              `json:"type" cbor:"1,keyasint"`
	ID       int64             `json:"id,omitempty" cbor:"2,keyasint,omitempty"`
	Ack      AckMode           `json:"ack,omitempty" cbor:"3,keyasint,omitempty"`
	Endpoint string            `json:"endpoint,omitempty" cbor:"4,keyasint,omitempty"`
	Data     string            `json:"data,omitempty" cbor:"5,keyasint,omitempty"`
	Name     string            `json:"name,omitempty" cbor:"6,keyasint,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty" cbor:"7,keyasint,omitempty"`
	AckID    int64             `json:"ackId,omitempty" cbor:"8,keyasint,omitempty"`
	Reason   string            `json:"reason,omitempty" cbor:"9,keyasint,omitempty"`
	Advice   string            `json:"advice,omitempty" cbor:"10,keyasint,omitempty"`
}

// ParseError is the packet synthesized when input cannot be decoded.
func ParseError() Packet {
	return Packet{Type: TypeError, Reason: ReasonParse, Advice: AdviceReconnect}
}

// IsParseError reports whether p was synthesized by a failed decode.
func (p Packet) IsParseError() bool {
	return p.Type == TypeError && p.Reason == ReasonParse
}

func indexOf(table []string, s string) int {
	for i, v := range table {
		if v == s {
			return i
		}
	}
	return -1
}
