package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol constants
const (
	// Wire version byte carried in frame headers
	WireVersion = 1

	// Protocol version string carried in envelopes
	VersionString = "1.0"

	// Frame header size (version + type + flags + stream id + sequence)
	FrameHeaderSize = 16

	// Size of the payload length field following the header
	FrameLengthSize = 4

	// Default maximum message size (1MB)
	DefaultMaxMessageSize = 1024 * 1024

	// Default I/O buffer size
	DefaultBufferSize = 4096
)

// OperationType discriminates envelope and frame semantics.
type OperationType uint8

const (
	OpControl OperationType = 0
	OpData    OperationType = 1
	OpAck     OperationType = 2
	OpError   OperationType = 3

	// Reserved for request/response correlation layered above the core.
	OpRequest  OperationType = 4
	OpResponse OperationType = 5
)

// Valid reports whether op is one of the dispatched operation types.
// The reserved REQUEST/RESPONSE ordinals are not yet dispatched.
func (op OperationType) Valid() bool {
	return op <= OpError
}

func (op OperationType) String() string {
	switch op {
	case OpControl:
		return "CONTROL"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	case OpRequest:
		return "REQUEST"
	case OpResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("OP(%d)", uint8(op))
	}
}

// PayloadType describes the shape of a binary payload.
type PayloadType uint8

const (
	PayloadVector   PayloadType = 0
	PayloadText     PayloadType = 1
	PayloadMetadata PayloadType = 2
	PayloadBinary   PayloadType = 3
)

// EncodingType describes the element encoding of a binary payload.
type EncodingType uint8

const (
	EncodingFloat32 EncodingType = 0
	EncodingFloat64 EncodingType = 1
	EncodingInt32   EncodingType = 2
	EncodingInt64   EncodingType = 3
	EncodingUint8   EncodingType = 4
	EncodingUint16  EncodingType = 5
	EncodingUint32  EncodingType = 6
	EncodingUint64  EncodingType = 7
)

// ContentType selects the preferred envelope serialization format.
// Only JSON is implemented by this engine; CBOR and MsgPack are
// negotiated identifiers.
type ContentType uint8

const (
	ContentJSON    ContentType = 0
	ContentCBOR    ContentType = 1
	ContentMsgPack ContentType = 2
)

// Frame flags
const (
	FlagCompressedGzip   uint16 = 1 << 0 // Payload is deflate-compressed
	FlagCompressedBrotli uint16 = 1 << 1 // Payload is brotli-compressed
	FlagEncrypted        uint16 = 1 << 2 // Payload is encrypted
	FlagFragmentStart    uint16 = 1 << 3 // First fragment of a message
	FlagFragmentContinue uint16 = 1 << 4 // Middle fragment
	FlagFragmentEnd      uint16 = 1 << 5 // Last fragment
	FlagStreamStart      uint16 = 1 << 6 // First frame on a stream
	FlagStreamEnd        uint16 = 1 << 7 // Last frame on a stream
)

// GenerateMessageID generates a unique message identifier from the
// current timestamp plus a random suffix.
func GenerateMessageID() string {
	return fmt.Sprintf("msg-%d-%s", time.Now().UnixMilli(), uuid.NewString())
}

// Timestamp returns the current time formatted the way envelopes carry
// it on the wire (ISO-8601 UTC with millisecond precision).
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
