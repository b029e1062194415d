package protocol

import (
	"strings"
	"testing"
)

func TestEnvelopeEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{
			name: "minimal control envelope",
			env:  NewEnvelope("node-a", "node-b", OpControl),
		},
		{
			name: "data envelope with hint",
			env: func() *Envelope {
				e := NewEnvelope("sensor-1", "collector", OpData)
				e.PayloadHint = &PayloadHint{
					Type:     PayloadVector,
					Size:     3072,
					Encoding: EncodingFloat32,
					Count:    768,
				}
				return e
			}(),
		},
		{
			name: "envelope with capabilities and refs",
			env: func() *Envelope {
				e := NewEnvelope("a", "b", OpAck)
				e.Capabilities = map[string]string{"command": "ping"}
				e.PayloadRefs = []map[string]string{{"message_id": "msg-1", "status": "OK"}}
				e.SchemaURI = "https://example.com/schema"
				e.Accept = []string{"application/json"}
				return e
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.env.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			decoded, err := DecodeEnvelope(data)
			if err != nil {
				t.Fatalf("DecodeEnvelope() error = %v", err)
			}

			if decoded.From != tt.env.From || decoded.To != tt.env.To {
				t.Errorf("addressing = %s -> %s, want %s -> %s",
					decoded.From, decoded.To, tt.env.From, tt.env.To)
			}
			if decoded.Op != tt.env.Op {
				t.Errorf("Op = %d, want %d", decoded.Op, tt.env.Op)
			}
			if decoded.MsgID != tt.env.MsgID {
				t.Errorf("MsgID = %q, want %q", decoded.MsgID, tt.env.MsgID)
			}
			if tt.env.PayloadHint != nil {
				if decoded.PayloadHint == nil {
					t.Fatal("payload hint lost in round trip")
				}
				if *decoded.PayloadHint != *tt.env.PayloadHint {
					t.Errorf("PayloadHint = %+v, want %+v", *decoded.PayloadHint, *tt.env.PayloadHint)
				}
			}
			if len(decoded.PayloadRefs) != len(tt.env.PayloadRefs) {
				t.Errorf("PayloadRefs count = %d, want %d",
					len(decoded.PayloadRefs), len(tt.env.PayloadRefs))
			}
		})
	}
}

func TestEnvelopeWireKeys(t *testing.T) {
	env := NewEnvelope("a", "b", OpData)

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	wire := string(data)
	for _, want := range []string{`"v":"1.0"`, `"from":"a"`, `"to":"b"`, `"op":1`, `"msg_id":`, `"ts":`} {
		if !strings.Contains(wire, want) {
			t.Errorf("encoded envelope missing %s: %s", want, wire)
		}
	}

	// Optional fields stay off the wire when unset.
	for _, absent := range []string{"capabilities", "schema_uri", "accept", "payload_hint", "payload_refs"} {
		if strings.Contains(wire, absent) {
			t.Errorf("encoded envelope carries unset field %q: %s", absent, wire)
		}
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed JSON", `{"v":"1.0","msg_id":`},
		{"not JSON at all", "binary garbage"},
		{"missing version", `{"msg_id":"m1","ts":"t","from":"a","to":"b","op":0}`},
		{"missing msg_id", `{"v":"1.0","ts":"t","from":"a","to":"b","op":0}`},
		{"missing ts", `{"v":"1.0","msg_id":"m1","from":"a","to":"b","op":0}`},
		{"missing from", `{"v":"1.0","msg_id":"m1","ts":"t","to":"b","op":0}`},
		{"missing to", `{"v":"1.0","msg_id":"m1","ts":"t","from":"a","op":0}`},
		{"unknown op", `{"v":"1.0","msg_id":"m1","ts":"t","from":"a","to":"b","op":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.data))
			if err == nil {
				t.Fatal("DecodeEnvelope() succeeded, want error")
			}
			if CodeOf(err) != CodeInvalidEnvelope {
				t.Errorf("error code = %v, want %v", CodeOf(err), CodeInvalidEnvelope)
			}
		})
	}
}

func TestGenerateMessageIDUnique(t *testing.T) {
	const n = 100000

	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := GenerateMessageID()
		if !strings.HasPrefix(id, "msg-") {
			t.Fatalf("message id %q missing msg- prefix", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate message id after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestOperationTypeValid(t *testing.T) {
	for op := OpControl; op <= OpError; op++ {
		if !op.Valid() {
			t.Errorf("operation %d reported invalid", op)
		}
	}

	for _, op := range []OperationType{OpRequest, OpResponse, 42, 255} {
		if op.Valid() {
			t.Errorf("operation %d reported valid", op)
		}
	}
}
