package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		want   string
	}{
		{"connect", Packet{Type: TypeConnect}, "1::"},
		{"connect with endpoint and query", Packet{Type: TypeConnect, Endpoint: "/chat", Data: "?a=b"}, "1::/chat:?a=b"},
		{"disconnect", Packet{Type: TypeDisconnect}, "0::"},
		{"heartbeat", Packet{Type: TypeHeartbeat}, "2::"},
		{"noop", Packet{Type: TypeNoop}, "8::"},
		{"message", Packet{Type: TypeMessage, Data: "hello"}, "3:::hello"},
		{"message with colons", Packet{Type: TypeMessage, Data: "a:b:c"}, "3:::a:b:c"},
		{"message with ack", Packet{Type: TypeMessage, ID: 5, Ack: AckTrue, Data: "x"}, "3:5::x"},
		{"message with data ack", Packet{Type: TypeMessage, ID: 5, Ack: AckData, Data: "x"}, "3:5+::x"},
		{"json", Packet{Type: TypeJSON, Data: `{"a":1}`}, `4:::{"a":1}`},
		{"event", Packet{Type: TypeEvent, Name: "woot"}, `5:::{"name":"woot"}`},
		{"event with args", Packet{Type: TypeEvent, Name: "edwald", Args: []json.RawMessage{json.RawMessage(`[{"a":"b"}]`), json.RawMessage(`2`)}}, `5:::{"name":"edwald","args":[[{"a":"b"}],2]}`},
		{"ack", Packet{Type: TypeAck, AckID: 140}, "6:::140"},
		{"ack with args", Packet{Type: TypeAck, AckID: 12, Args: []json.RawMessage{json.RawMessage(`"woot"`)}}, `6:::12+["woot"]`},
		{"error", Packet{Type: TypeError}, "7::"},
		{"error with reason and advice", Packet{Type: TypeError, Reason: ReasonUnauthorized, Advice: AdviceReconnect}, "7:::2+0"},
		{"error with endpoint", Packet{Type: TypeError, Endpoint: "/woot", Reason: ReasonTransportNotSupported}, "7::/woot:0"},
		{"parse error", ParseError(), "7:::parse+0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.packet); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Packet
	}{
		{"heartbeat", "2::", Packet{Type: TypeHeartbeat}},
		{"message", "3:::hello", Packet{Type: TypeMessage, Data: "hello"}},
		{"message with endpoint", "3::/tobi:woot", Packet{Type: TypeMessage, Endpoint: "/tobi", Data: "woot"}},
		{"message with id", "3:5::hi", Packet{Type: TypeMessage, ID: 5, Ack: AckTrue, Data: "hi"}},
		{"event with data ack", `5:1+::{"name":"tobi"}`, Packet{Type: TypeEvent, ID: 1, Ack: AckData, Name: "tobi"}},
		{"ack with args", `6:::12+["woot","wa"]`, Packet{Type: TypeAck, AckID: 12, Args: []json.RawMessage{json.RawMessage(`"woot"`), json.RawMessage(`"wa"`)}}},
		{"error indexes", "7:::2+0", Packet{Type: TypeError, Reason: ReasonUnauthorized, Advice: AdviceReconnect}},
		{"error out of range index", "7:::9", Packet{Type: TypeError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"garbage",
		"42::",
		"x::",
		`5:::{"name":`,
		"4:::{not json",
		"6:::abc",
		`6:::1+[broken`,
	}

	for _, in := range inputs {
		got := Decode(in)
		if !got.IsParseError() {
			t.Errorf("Decode(%q): expected parse error packet, got %#v", in, got)
		}
		if got.Advice != AdviceReconnect {
			t.Errorf("Decode(%q): expected advice %q, got %q", in, AdviceReconnect, got.Advice)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	packets := []Packet{
		{Type: TypeDisconnect},
		{Type: TypeDisconnect, Endpoint: "/chat"},
		{Type: TypeConnect, Data: "?foo=bar"},
		{Type: TypeHeartbeat},
		{Type: TypeMessage, Data: "with:colons:inside"},
		{Type: TypeMessage, Data: ":leading colon"},
		{Type: TypeMessage, ID: 3, Ack: AckData, Endpoint: "/a", Data: "x"},
		{Type: TypeJSON, Data: `{"k":[1,2,3]}`},
		{Type: TypeJSON},
		{Type: TypeEvent, Name: "ev", Args: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`{"a":"<b>"}`)}},
		{Type: TypeEvent, ID: 9, Ack: AckTrue, Name: "noargs"},
		{Type: TypeAck, AckID: 7},
		{Type: TypeAck, AckID: 7, Args: []json.RawMessage{json.RawMessage(`null`)}},
		{Type: TypeError, Reason: ReasonClientNotHandshaken, Advice: AdviceReconnect},
		ParseError(),
		{Type: TypeNoop},
	}

	for _, p := range packets {
		enc := Encode(p)
		got := Decode(enc)
		if !reflect.DeepEqual(got, p) {
			t.Errorf("Round trip of %q: expected %#v, got %#v", enc, p, got)
		}
	}
}

func TestEncodeLossyShapes(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		wire   string
		want   Packet
	}{
		{
			"id without ack mode reads back as plain ack",
			Packet{Type: TypeMessage, ID: 4, Data: "x"},
			"3:4::x",
			Packet{Type: TypeMessage, ID: 4, Ack: AckTrue, Data: "x"},
		},
		{
			"numeric literal reason maps by index",
			Packet{Type: TypeError, Reason: "1"},
			"7:::1",
			Packet{Type: TypeError, Reason: ReasonClientNotHandshaken},
		},
		{
			"plus in literal reason splits into advice",
			Packet{Type: TypeError, Reason: "bad+thing", Advice: "x"},
			"7:::bad+thing+x",
			Packet{Type: TypeError, Reason: "bad", Advice: "thing+x"},
		},
		{
			"literal reason without plus survives",
			Packet{Type: TypeError, Reason: "overloaded", Advice: AdviceReconnect},
			"7:::overloaded+0",
			Packet{Type: TypeError, Reason: "overloaded", Advice: AdviceReconnect},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := Encode(tt.packet)
			if enc != tt.wire {
				t.Fatalf("Expected %q, got %q", tt.wire, enc)
			}
			if got := Decode(enc); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestTypeString(t *testing.T) {
	if TypeEvent.String() != "event" {
		t.Errorf("Expected event, got %s", TypeEvent.String())
	}
	if Type(42).Valid() {
		t.Error("Type 42 should not be valid")
	}
	if Type(42).String() != "unknown(42)" {
		t.Errorf("Expected unknown(42), got %s", Type(42).String())
	}
}
