package protocol

import (
	"encoding/json"
)

// PayloadHint describes the shape of a binary payload associated with
// an envelope: payload type, byte size, element encoding and element
// count.
type PayloadHint struct {
	Type     PayloadType  `json:"type"`
	Size     uint64       `json:"size,omitempty"`
	Encoding EncodingType `json:"encoding"`
	Count    uint64       `json:"count,omitempty"`
}

// Envelope is the JSON control-plane message. Field names are
// abbreviated on the wire; see the package documentation for the
// layout.
type Envelope struct {
	Version      string              `json:"v"`
	MsgID        string              `json:"msg_id"`
	Timestamp    string              `json:"ts"`
	From         string              `json:"from"`
	To           string              `json:"to"`
	Op           OperationType       `json:"op"`
	Capabilities map[string]string   `json:"capabilities,omitempty"`
	SchemaURI    string              `json:"schema_uri,omitempty"`
	Accept       []string            `json:"accept,omitempty"`
	PayloadHint  *PayloadHint        `json:"payload_hint,omitempty"`
	PayloadRefs  []map[string]string `json:"payload_refs,omitempty"`
}

// NewEnvelope creates an envelope addressed from -> to with a fresh
// message ID and the current timestamp.
func NewEnvelope(from, to string, op OperationType) *Envelope {
	return &Envelope{
		Version:   VersionString,
		MsgID:     GenerateMessageID(),
		Timestamp: Timestamp(),
		From:      from,
		To:        to,
		Op:        op,
	}
}

// Encode serializes the envelope to canonical JSON.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, WrapError(CodeSerializationFailed, "envelope marshal failed", err)
	}
	return data, nil
}

// DecodeEnvelope parses a JSON envelope, failing with INVALID_ENVELOPE
// on malformed JSON or missing required fields.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, WrapError(CodeInvalidEnvelope, "envelope parse failed", err)
	}

	if e.Version == "" || e.MsgID == "" || e.Timestamp == "" || e.From == "" || e.To == "" {
		return nil, NewError(CodeInvalidEnvelope, "envelope missing required fields")
	}

	if e.Op > OpResponse {
		return nil, Errorf(CodeInvalidEnvelope, "unknown operation type %d", uint8(e.Op))
	}

	return &e, nil
}
