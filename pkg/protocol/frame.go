package protocol

import (
	"encoding/binary"
	"io"
)

var (
	ErrShortFrame   = NewError(CodeInvalidFrame, "frame buffer too short")
	ErrFrameVersion = NewError(CodeInvalidFrame, "unsupported frame version")
	ErrFrameType    = NewError(CodeInvalidFrame, "unknown frame type")
	ErrFrameLength  = NewError(CodeInvalidFrame, "frame length mismatch")
)

// FrameHeader is the fixed 16-byte binary frame header, encoded
// little-endian on the wire.
type FrameHeader struct {
	Version  uint8         // Wire version (1)
	Type     OperationType // Mirrors the envelope op
	Flags    uint16        // Compression/encryption/fragmentation bits
	StreamID uint64        // Logical channel
	Sequence uint32        // Strictly increasing per stream
}

// Encode encodes the header to bytes.
func (h *FrameHeader) Encode() []byte {
	buf := make([]byte, FrameHeaderSize)

	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.LittleEndian.PutUint16(buf[2:4], h.Flags)
	binary.LittleEndian.PutUint64(buf[4:12], h.StreamID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Sequence)

	return buf
}

// Decode decodes the header from bytes.
func (h *FrameHeader) Decode(buf []byte) error {
	if len(buf) < FrameHeaderSize {
		return ErrShortFrame
	}

	h.Version = buf[0]
	h.Type = OperationType(buf[1])
	h.Flags = binary.LittleEndian.Uint16(buf[2:4])
	h.StreamID = binary.LittleEndian.Uint64(buf[4:12])
	h.Sequence = binary.LittleEndian.Uint32(buf[12:16])

	return nil
}

// Validate validates the decoded header fields.
func (h *FrameHeader) Validate() error {
	if h.Version != WireVersion {
		return ErrFrameVersion
	}

	if h.Type > OpResponse {
		return ErrFrameType
	}

	return nil
}

// HasFlag checks if a flag is set.
func (h *FrameHeader) HasFlag(flag uint16) bool {
	return (h.Flags & flag) != 0
}

// SetFlag sets a flag.
func (h *FrameHeader) SetFlag(flag uint16) {
	h.Flags |= flag
}

// ClearFlag clears a flag.
func (h *FrameHeader) ClearFlag(flag uint16) {
	h.Flags &^= flag
}

// Frame is the binary data-plane unit: a fixed header followed by a
// 4-byte payload length and the payload bytes.
type Frame struct {
	Header  FrameHeader
	Payload []byte
}

// NewFrame creates a frame carrying payload on the given stream.
func NewFrame(op OperationType, streamID uint64, sequence uint32, payload []byte) *Frame {
	return &Frame{
		Header: FrameHeader{
			Version:  WireVersion,
			Type:     op,
			StreamID: streamID,
			Sequence: sequence,
		},
		Payload: payload,
	}
}

// Encode serializes the frame: header, payload length, payload.
func (f *Frame) Encode() []byte {
	buf := make([]byte, FrameHeaderSize+FrameLengthSize+len(f.Payload))

	copy(buf, f.Header.Encode())
	binary.LittleEndian.PutUint32(buf[FrameHeaderSize:], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize+FrameLengthSize:], f.Payload)

	return buf
}

// DecodeFrame parses a serialized frame. The buffer must contain the
// full header, the length field and exactly the announced payload.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < FrameHeaderSize+FrameLengthSize {
		return nil, ErrShortFrame
	}

	var f Frame
	if err := f.Header.Decode(buf); err != nil {
		return nil, err
	}

	if err := f.Header.Validate(); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(buf[FrameHeaderSize : FrameHeaderSize+FrameLengthSize])
	if uint64(len(buf)) != uint64(FrameHeaderSize+FrameLengthSize)+uint64(length) {
		return nil, ErrFrameLength
	}

	f.Payload = make([]byte, length)
	copy(f.Payload, buf[FrameHeaderSize+FrameLengthSize:])

	return &f, nil
}

// ReadFrame reads one frame from an io.Reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	head := make([]byte, FrameHeaderSize+FrameLengthSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, WrapError(CodeInvalidFrame, "frame header read failed", err)
	}

	var f Frame
	if err := f.Header.Decode(head); err != nil {
		return nil, err
	}

	if err := f.Header.Validate(); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(head[FrameHeaderSize:])
	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, WrapError(CodeInvalidFrame, "frame payload read failed", err)
	}

	return &f, nil
}

// WriteFrame writes a frame to an io.Writer.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Encode())
	return err
}
