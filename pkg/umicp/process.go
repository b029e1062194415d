package umicp

import (
	"fmt"
	"strconv"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// ProcessMessage decodes one inbound message and dispatches it to the
// registered handler. Binary frames are tried first; on frame parse
// failure the bytes are decoded as a JSON envelope with no payload.
// When both fail the error counter is incremented and no handler runs.
//
// ProcessMessage runs on the transport's I/O goroutine when wired
// through SetTransport, so handlers must not block.
func (p *Protocol) ProcessMessage(data []byte) error {
	cfg := p.Config()
	if len(data) > cfg.MaxMessageSize {
		p.markError()
		return protocol.Errorf(protocol.CodeBufferOverflow,
			"inbound message size %d exceeds maximum %d", len(data), cfg.MaxMessageSize)
	}

	env, payload, err := p.decodeMessage(data)
	if err != nil {
		p.markError()
		return err
	}

	p.markReceived(len(data))

	p.handlersMu.RLock()
	h := p.handlers[env.Op]
	p.handlersMu.RUnlock()

	if h == nil {
		return nil
	}

	return p.dispatch(h, env, payload)
}

// decodeMessage resolves raw bytes into an envelope plus optional
// payload. A frame yields a synthesized envelope built from the frame
// header.
func (p *Protocol) decodeMessage(data []byte) (*protocol.Envelope, []byte, error) {
	if len(data) >= protocol.FrameHeaderSize {
		if frame, err := protocol.DecodeFrame(data); err == nil {
			payload := frame.Payload

			if frame.Header.HasFlag(protocol.FlagCompressedGzip) ||
				frame.Header.HasFlag(protocol.FlagCompressedBrotli) {
				p.mu.RLock()
				comp := p.compress
				p.mu.RUnlock()
				if comp == nil {
					return nil, nil, protocol.NewError(protocol.CodeDecompressionFailed,
						"compressed frame received without a compression manager")
				}
				decoded, err := comp.Decompress(payload)
				if err != nil {
					return nil, nil, err
				}
				payload = decoded
			}

			return p.envelopeFromFrame(frame), payload, nil
		}
	}

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	return env, nil, nil
}

// envelopeFromFrame synthesizes a control envelope from a frame
// header: the operation comes from the frame type, the message id from
// stream id plus sequence, and the frame is assumed addressed to us.
func (p *Protocol) envelopeFromFrame(f *protocol.Frame) *protocol.Envelope {
	return &protocol.Envelope{
		Version:   strconv.Itoa(int(f.Header.Version)),
		MsgID:     fmt.Sprintf("frame-%d-%d", f.Header.StreamID, f.Header.Sequence),
		Timestamp: protocol.Timestamp(),
		From:      "",
		To:        p.localID,
		Op:        f.Header.Type,
	}
}

// dispatch invokes the handler, converting a panic into a failure
// result so one faulty handler never terminates the I/O loop.
func (p *Protocol) dispatch(h Handler, env *protocol.Envelope, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.markError()
			err = protocol.Errorf(protocol.CodeInvalidArgument,
				"handler panic for %s: %v", env.Op, r)
		}
	}()

	h.HandleMessage(env, payload)
	return nil
}

func (p *Protocol) onTransportMessage(data []byte) {
	// Errors are already reflected in the counters; the I/O loop
	// carries on regardless.
	_ = p.ProcessMessage(data)
}

func (p *Protocol) onTransportState(connected bool, reason string) {
	// Connection lifecycle is observable through IsConnected and the
	// transport's own callbacks; nothing to track here.
}

func (p *Protocol) onTransportError(code protocol.ErrorCode, message string) {
	p.markError()
}
