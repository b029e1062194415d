// Package umicp implements the UMICP protocol orchestrator: it owns a
// local identifier, one transport, an optional security manager, a
// handler registry keyed by operation type and the engine statistics,
// and exposes the public send/receive surface.
package umicp

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/umicp/umicp-go/pkg/compress"
	"github.com/umicp/umicp-go/pkg/protocol"
	"github.com/umicp/umicp-go/pkg/security"
	"github.com/umicp/umicp-go/pkg/transport"
)

// Handler processes one inbound message: the envelope plus the binary
// payload when the message arrived as a frame (nil otherwise).
type Handler interface {
	HandleMessage(env *protocol.Envelope, payload []byte)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(env *protocol.Envelope, payload []byte)

func (f HandlerFunc) HandleMessage(env *protocol.Envelope, payload []byte) {
	f(env, payload)
}

// Stats tracks engine-level activity.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
	StartTime        time.Time
}

// Protocol is the orchestrator tying the codecs, the transport and the
// security manager together. Create one per peer identity.
type Protocol struct {
	localID string

	mu        sync.RWMutex // guards cfg, transport, security, compressor
	cfg       Config
	transport transport.Transport
	security  *security.Manager
	compress  *compress.Manager

	handlersMu sync.RWMutex
	handlers   map[protocol.OperationType]Handler

	statsMu sync.Mutex
	stats   Stats

	nextStreamID atomic.Uint64
}

// New creates an orchestrator for the given local peer id with the
// default configuration.
func New(localID string) *Protocol {
	return &Protocol{
		localID:  localID,
		cfg:      DefaultConfig(),
		handlers: make(map[protocol.OperationType]Handler),
		stats:    Stats{StartTime: time.Now()},
	}
}

// LocalID returns the local peer identifier.
func (p *Protocol) LocalID() string {
	return p.localID
}

// Configure validates and applies the engine configuration.
func (p *Protocol) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

// Config returns the current engine configuration.
func (p *Protocol) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetTransport attaches the transport and wires its three callbacks to
// the orchestrator.
func (p *Protocol) SetTransport(t transport.Transport) error {
	if t == nil {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"nil transport provided")
	}

	t.SetMessageCallback(p.onTransportMessage)
	t.SetConnectionCallback(p.onTransportState)
	t.SetErrorCallback(p.onTransportError)

	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
	return nil
}

// SetSecurityManager attaches the security manager.
func (p *Protocol) SetSecurityManager(s *security.Manager) error {
	if s == nil {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"nil security manager provided")
	}

	p.mu.Lock()
	p.security = s
	p.mu.Unlock()
	return nil
}

// SetCompressionManager attaches the compression manager used on the
// DATA path when compression is enabled.
func (p *Protocol) SetCompressionManager(m *compress.Manager) error {
	if m == nil {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"nil compression manager provided")
	}

	p.mu.Lock()
	p.compress = m
	p.mu.Unlock()
	return nil
}

// IsAuthenticated reports whether the attached security manager holds
// an authenticated session.
func (p *Protocol) IsAuthenticated() bool {
	p.mu.RLock()
	s := p.security
	p.mu.RUnlock()
	return s != nil && s.IsAuthenticated()
}

// Connect establishes the transport connection.
func (p *Protocol) Connect() error {
	p.mu.RLock()
	t := p.transport
	p.mu.RUnlock()

	if t == nil {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"no transport configured")
	}
	if t.IsConnected() {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"already connected")
	}

	return t.Connect()
}

// Disconnect tears down the transport connection.
func (p *Protocol) Disconnect() error {
	p.mu.RLock()
	t := p.transport
	p.mu.RUnlock()

	if t == nil {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"no transport configured")
	}

	return t.Disconnect()
}

// IsConnected reports whether the transport is connected.
func (p *Protocol) IsConnected() bool {
	p.mu.RLock()
	t := p.transport
	p.mu.RUnlock()
	return t != nil && t.IsConnected()
}

// SendControl sends a control envelope. The command and parameters are
// folded into the envelope capabilities. Returns the message id.
func (p *Protocol) SendControl(to string, op protocol.OperationType, command string, params map[string]string) (string, error) {
	if to == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument,
			"destination must not be empty")
	}
	if command == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument,
			"command must not be empty")
	}
	if !op.Valid() {
		return "", protocol.Errorf(protocol.CodeInvalidArgument,
			"invalid operation type %d", uint8(op))
	}

	t, err := p.connectedTransport()
	if err != nil {
		return "", err
	}

	env := protocol.NewEnvelope(p.localID, to, op)
	env.Capabilities = map[string]string{"command": command}
	for k, v := range params {
		env.Capabilities[k] = v
	}

	data, err := env.Encode()
	if err != nil {
		return "", err
	}

	if err := t.Send(data); err != nil {
		return "", err
	}

	p.markSent(len(data))
	return env.MsgID, nil
}

// SendData wraps a binary payload in a DATA frame on a freshly
// allocated stream and sends it. The payload is rejected with
// BUFFER_OVERFLOW before any network I/O when it exceeds the
// configured maximum, and no stream id is allocated unless every
// validation passes.
func (p *Protocol) SendData(to string, data []byte, hint *protocol.PayloadHint) (string, error) {
	if to == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument,
			"destination must not be empty")
	}
	if len(data) == 0 {
		return "", protocol.NewError(protocol.CodeInvalidArgument,
			"data must not be empty")
	}

	cfg := p.Config()
	if len(data) > cfg.MaxMessageSize {
		return "", protocol.Errorf(protocol.CodeBufferOverflow,
			"message size %d exceeds maximum %d", len(data), cfg.MaxMessageSize)
	}

	t, err := p.connectedTransport()
	if err != nil {
		return "", err
	}

	payload := data
	var flags uint16
	p.mu.RLock()
	comp := p.compress
	p.mu.RUnlock()
	if comp != nil && cfg.EnableCompression &&
		compress.ShouldCompress(data, cfg.CompressionThreshold, comp.Algorithm()) {
		compressed, err := comp.Compress(data, compress.DefaultLevel)
		if err != nil {
			return "", err
		}
		payload = compressed
		flags = compressionFlag(comp.Algorithm())
	}

	env := protocol.NewEnvelope(p.localID, to, protocol.OpData)
	env.PayloadHint = hint

	frame := protocol.NewFrame(protocol.OpData, p.nextStreamID.Add(1), 0, payload)
	frame.Header.Flags = flags

	if err := t.SendFrame(frame); err != nil {
		return "", err
	}

	p.markSent(len(payload) + protocol.FrameHeaderSize + protocol.FrameLengthSize)
	return env.MsgID, nil
}

// SendAck acknowledges a previously received message.
func (p *Protocol) SendAck(to, messageID string) (string, error) {
	if to == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument,
			"destination must not be empty")
	}
	if messageID == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument,
			"message id must not be empty")
	}

	t, err := p.connectedTransport()
	if err != nil {
		return "", err
	}

	env := protocol.NewEnvelope(p.localID, to, protocol.OpAck)
	env.PayloadRefs = []map[string]string{{
		"message_id": messageID,
		"status":     "OK",
	}}

	data, err := env.Encode()
	if err != nil {
		return "", err
	}

	if err := t.Send(data); err != nil {
		return "", err
	}

	p.markSent(len(data))
	return env.MsgID, nil
}

// SendError reports an error to a peer, optionally referencing the
// message that caused it.
func (p *Protocol) SendError(to string, code protocol.ErrorCode, message, originalMessageID string) (string, error) {
	if to == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument,
			"destination must not be empty")
	}

	t, err := p.connectedTransport()
	if err != nil {
		return "", err
	}

	ref := map[string]string{
		"error_code":    strconv.Itoa(int(code)),
		"error_message": message,
	}
	if originalMessageID != "" {
		ref["original_message_id"] = originalMessageID
	}

	env := protocol.NewEnvelope(p.localID, to, protocol.OpError)
	env.PayloadRefs = []map[string]string{ref}

	data, err := env.Encode()
	if err != nil {
		return "", err
	}

	if err := t.Send(data); err != nil {
		return "", err
	}

	p.markSent(len(data))
	return env.MsgID, nil
}

// RegisterHandler installs the handler dispatched for op.
func (p *Protocol) RegisterHandler(op protocol.OperationType, h Handler) {
	p.handlersMu.Lock()
	p.handlers[op] = h
	p.handlersMu.Unlock()
}

// UnregisterHandler removes the handler for op.
func (p *Protocol) UnregisterHandler(op protocol.OperationType) {
	p.handlersMu.Lock()
	delete(p.handlers, op)
	p.handlersMu.Unlock()
}

// Stats returns a snapshot of the engine counters.
func (p *Protocol) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// ResetStats zeroes the engine counters.
func (p *Protocol) ResetStats() {
	p.statsMu.Lock()
	p.stats = Stats{StartTime: time.Now()}
	p.statsMu.Unlock()
}

func (p *Protocol) connectedTransport() (transport.Transport, error) {
	p.mu.RLock()
	t := p.transport
	p.mu.RUnlock()

	if t == nil || !t.IsConnected() {
		return nil, protocol.NewError(protocol.CodeNetworkError,
			"transport not connected")
	}
	return t, nil
}

func (p *Protocol) markSent(bytes int) {
	p.statsMu.Lock()
	p.stats.MessagesSent++
	p.stats.BytesSent += uint64(bytes)
	p.statsMu.Unlock()
}

func (p *Protocol) markReceived(bytes int) {
	p.statsMu.Lock()
	p.stats.MessagesReceived++
	p.stats.BytesReceived += uint64(bytes)
	p.statsMu.Unlock()
}

func (p *Protocol) markError() {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()
}

func compressionFlag(a compress.Algorithm) uint16 {
	if a == compress.Brotli {
		return protocol.FlagCompressedBrotli
	}
	return protocol.FlagCompressedGzip
}
