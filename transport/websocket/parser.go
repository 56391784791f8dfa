package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode is the frame type carried in the low nibble of the first header byte.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) control() bool { return o >= OpClose }

var (
	// ErrMaxBuffer means the peer tried to make the server hold more than
	// the configured buffer size. The connection must be kicked.
	ErrMaxBuffer = errors.New("max buffer size reached")
)

// ProtocolError is a framing violation. The connection must be closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "websocket protocol error: " + e.Reason }

// Events receives what a Parser decodes. Callbacks run on the goroutine
// calling Parser.Add.
type Events interface {
	OnText(msg string)
	OnBinary(msg []byte)
	OnPing(payload []byte)
	OnClose()
}

type parseState int

const (
	stateHeader parseState = iota
	stateLength
	stateMask
	statePayload
)

// Parser is a push-based frame decoder: feed it bytes as they arrive and it
// calls back once per complete message or control frame. Fragmented text
// and binary messages are reassembled.
type Parser struct {
	events    Events
	maxBuffer int64

	buf   []byte
	state parseState

	fin      bool
	masked   bool
	opcode   Opcode
	lenBytes int
	length   uint64
	mask     [4]byte

	// active is the opcode of the fragmented message in progress, 0 if none
	active  Opcode
	message []byte
}

// NewParser creates a parser that refuses to hold more than maxBuffer bytes.
func NewParser(events Events, maxBuffer int64) *Parser {
	return &Parser{events: events, maxBuffer: maxBuffer}
}

// Add consumes data. An error leaves the parser reset; the caller should
// drop the connection (ErrMaxBuffer and *ProtocolError).
func (p *Parser) Add(data []byte) error {
	if int64(len(p.buf)+len(data)+len(p.message)) > p.maxBuffer {
		p.Reset()
		return ErrMaxBuffer
	}
	p.buf = append(p.buf, data...)

	for {
		progressed, err := p.step()
		if err != nil {
			p.Reset()
			return err
		}
		if !progressed {
			break
		}
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return nil
}

// Reset drops all buffered input and fragment state.
func (p *Parser) Reset() {
	*p = Parser{events: p.events, maxBuffer: p.maxBuffer}
}

func (p *Parser) step() (bool, error) {
	switch p.state {
	case stateHeader:
		if len(p.buf) < 2 {
			return false, nil
		}
		if err := p.header(p.buf[0], p.buf[1]); err != nil {
			return false, err
		}
		p.buf = p.buf[2:]

	case stateLength:
		if len(p.buf) < p.lenBytes {
			return false, nil
		}
		if p.lenBytes == 2 {
			p.length = uint64(binary.BigEndian.Uint16(p.buf))
		} else {
			p.length = binary.BigEndian.Uint64(p.buf)
			if p.length>>63 != 0 {
				return false, &ProtocolError{"frame length has the most significant bit set"}
			}
		}
		p.buf = p.buf[p.lenBytes:]
		if err := p.lengthKnown(); err != nil {
			return false, err
		}

	case stateMask:
		if len(p.buf) < 4 {
			return false, nil
		}
		copy(p.mask[:], p.buf)
		p.buf = p.buf[4:]
		p.state = statePayload

	case statePayload:
		if uint64(len(p.buf)) < p.length {
			return false, nil
		}
		payload := make([]byte, p.length)
		copy(payload, p.buf)
		p.buf = p.buf[p.length:]
		if p.masked {
			unmask(p.mask, payload)
		}
		p.frame(payload)
		p.state = stateHeader
	}
	return true, nil
}

func (p *Parser) header(b0, b1 byte) error {
	if b0&0x70 != 0 {
		return &ProtocolError{"reserved fields must be empty"}
	}
	p.fin = b0&0x80 != 0
	p.masked = b1&0x80 != 0
	op := Opcode(b0 & 0x0f)

	switch op {
	case OpContinuation:
		if p.active != OpText && p.active != OpBinary {
			return &ProtocolError{"continuation frame cannot follow current opcode"}
		}
		p.opcode = p.active
	case OpText, OpBinary:
		if p.active != 0 {
			return &ProtocolError{"new message started inside a fragmented message"}
		}
		p.opcode = op
		if !p.fin {
			p.active = op
		}
	case OpClose, OpPing, OpPong:
		if !p.fin {
			return &ProtocolError{"control frames must not be fragmented"}
		}
		p.opcode = op
	default:
		return &ProtocolError{fmt.Sprintf("no handler for opcode %d", op)}
	}

	switch n := b1 & 0x7f; n {
	case 126:
		p.lenBytes, p.state = 2, stateLength
	case 127:
		p.lenBytes, p.state = 8, stateLength
	default:
		p.length = uint64(n)
		return p.lengthKnown()
	}
	if p.opcode.control() {
		return &ProtocolError{"control frame payload too long"}
	}
	return nil
}

func (p *Parser) lengthKnown() error {
	if p.length > uint64(p.maxBuffer) || int64(p.length)+int64(len(p.message)) > p.maxBuffer {
		return ErrMaxBuffer
	}
	if p.masked {
		p.state = stateMask
	} else {
		p.state = statePayload
	}
	return nil
}

func (p *Parser) frame(payload []byte) {
	switch p.opcode {
	case OpText, OpBinary:
		p.message = append(p.message, payload...)
		if !p.fin {
			return
		}
		msg := p.message
		p.message = nil
		p.active = 0
		if p.opcode == OpText {
			p.events.OnText(string(msg))
		} else {
			p.events.OnBinary(msg)
		}
	case OpPing:
		p.events.OnPing(payload)
	case OpClose:
		p.events.OnClose()
	case OpPong:
	}
}

func unmask(mask [4]byte, b []byte) {
	for i := range b {
		b[i] ^= mask[i%4]
	}
}
