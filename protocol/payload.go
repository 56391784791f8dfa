package protocol

import (
	"strconv"
	"strings"
)

// EncodePayload frames each packet as <byteLength>:<packet> and concatenates
// the frames, so delimiters inside a packet body cannot corrupt the split.
func EncodePayload(packets ...Packet) string {
	var sb strings.Builder
	for _, p := range packets {
		enc := Encode(p)
		sb.WriteString(strconv.Itoa(len(enc)))
		sb.WriteByte(':')
		sb.WriteString(enc)
	}
	return sb.String()
}

// DecodePayload is the inverse of EncodePayload. Input that is not a
// well-formed frame sequence is decoded as a single un-prefixed packet, which
// keeps older clients that post bare packets working.
func DecodePayload(s string) []Packet {
	if s == "" {
		return nil
	}
	if frames, ok := splitFrames(s); ok {
		packets := make([]Packet, 0, len(frames))
		for _, f := range frames {
			packets = append(packets, Decode(f))
		}
		return packets
	}
	return []Packet{Decode(s)}
}

// splitFrames cuts s into length-prefixed frames. It fails when a prefix is
// missing or overruns the input, or when a frame does not look like a packet.
func splitFrames(s string) ([]string, bool) {
	var frames []string
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i || j >= len(s) || s[j] != ':' {
			return nil, false
		}
		n, err := strconv.Atoi(s[i:j])
		if err != nil {
			return nil, false
		}
		start := j + 1
		end := start + n
		if n < 0 || end > len(s) {
			return nil, false
		}
		frame := s[start:end]
		if !looksLikePacket(frame) {
			return nil, false
		}
		frames = append(frames, frame)
		i = end
	}
	return frames, true
}

// looksLikePacket checks the "<type>:" prefix every encoded packet starts with.
func looksLikePacket(s string) bool {
	typ, _, ok := strings.Cut(s, ":")
	if !ok {
		return false
	}
	code, err := strconv.Atoi(typ)
	return err == nil && Type(code).Valid()
}
