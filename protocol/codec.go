package protocol

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	packetRe = regexp.MustCompile(`(?s)^([^:]+):([0-9]+)?(\+)?:([^:]+)?:?(.*)$`)
	ackRe    = regexp.MustCompile(`(?s)^([0-9]+)(\+)?(.*)$`)
)

type eventBody struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// Encode serializes a packet as type:id[+]:endpoint[:data].
//
// Two shapes cannot be told apart on the wire and do not survive a Decode:
// an ID with AckNone is read back as AckTrue, and an error reason or advice
// outside the known tables that is all digits or contains "+" is split or
// mapped by index. Use the Reason and Advice constants for errors.
func Encode(p Packet) string {
	var data string
	hasData := false

	switch p.Type {
	case TypeError:
		reason := encodeIndex(reasons, p.Reason)
		advice := encodeIndex(advices, p.Advice)
		if reason != "" || advice != "" {
			data = reason
			if advice != "" {
				data += "+" + advice
			}
			hasData = true
		}
	case TypeMessage, TypeJSON, TypeConnect:
		if p.Data != "" {
			data, hasData = p.Data, true
		}
	case TypeEvent:
		b, err := marshalJSON(eventBody{Name: p.Name, Args: p.Args})
		if err == nil {
			data, hasData = string(b), true
		}
	case TypeAck:
		data = strconv.FormatInt(p.AckID, 10)
		if len(p.Args) > 0 {
			if b, err := marshalJSON(p.Args); err == nil {
				data += "+" + string(b)
			}
		}
		hasData = true
	}

	var sb strings.Builder
	sb.WriteString(strconv.Itoa(int(p.Type)))
	sb.WriteByte(':')
	if p.ID > 0 {
		sb.WriteString(strconv.FormatInt(p.ID, 10))
		if p.Ack == AckData {
			sb.WriteByte('+')
		}
	}
	sb.WriteByte(':')
	sb.WriteString(p.Endpoint)
	if hasData {
		sb.WriteByte(':')
		sb.WriteString(data)
	}
	return sb.String()
}

// Decode parses one encoded packet. It never fails: malformed input yields
// the packet returned by ParseError.
func Decode(s string) Packet {
	m := packetRe.FindStringSubmatch(s)
	if m == nil {
		return ParseError()
	}

	code, err := strconv.Atoi(m[1])
	if err != nil || !Type(code).Valid() {
		return ParseError()
	}

	p := Packet{Type: Type(code), Endpoint: m[4]}
	if m[2] != "" {
		id, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return ParseError()
		}
		p.ID = id
		p.Ack = AckTrue
		if m[3] != "" {
			p.Ack = AckData
		}
	}
	data := m[5]

	switch p.Type {
	case TypeError:
		reason, advice, _ := strings.Cut(data, "+")
		p.Reason = decodeIndex(reasons, reason)
		p.Advice = decodeIndex(advices, advice)
	case TypeMessage, TypeConnect:
		p.Data = data
	case TypeJSON:
		if data != "" && !json.Valid([]byte(data)) {
			return ParseError()
		}
		p.Data = data
	case TypeEvent:
		var ev eventBody
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return ParseError()
		}
		p.Name = ev.Name
		if len(ev.Args) > 0 {
			p.Args = ev.Args
		}
	case TypeAck:
		am := ackRe.FindStringSubmatch(data)
		if am == nil {
			return ParseError()
		}
		ackID, err := strconv.ParseInt(am[1], 10, 64)
		if err != nil {
			return ParseError()
		}
		p.AckID = ackID
		if am[3] != "" {
			var args []json.RawMessage
			if err := json.Unmarshal([]byte(am[3]), &args); err != nil {
				return ParseError()
			}
			if len(args) > 0 {
				p.Args = args
			}
		}
	}
	return p
}

func encodeIndex(table []string, s string) string {
	if s == "" {
		return ""
	}
	if i := indexOf(table, s); i >= 0 {
		return strconv.Itoa(i)
	}
	return s
}

func decodeIndex(table []string, s string) string {
	if s == "" {
		return ""
	}
	if i, err := strconv.Atoi(s); err == nil {
		if i >= 0 && i < len(table) {
			return table[i]
		}
		return ""
	}
	return s
}

// marshalJSON encodes v without HTML escaping so payloads stay byte-for-byte
// what the application sent.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
