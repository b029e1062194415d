package umicp

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umicp/umicp-go/pkg/compress"
	"github.com/umicp/umicp-go/pkg/protocol"
	"github.com/umicp/umicp-go/pkg/security"
	"github.com/umicp/umicp-go/pkg/transport"
)

// mockTransport records everything sent through it and lets tests feed
// inbound bytes back through the wired callbacks.
type mockTransport struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	frames    []*protocol.Frame

	onMessage    transport.MessageCallback
	onConnection transport.ConnectionCallback
	onError      transport.ErrorCallback

	sendErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{connected: true}
}

func (m *mockTransport) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, append([]byte(nil), data...))
	return nil
}

func (m *mockTransport) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return m.Send(data)
}

func (m *mockTransport) SendFrame(f *protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, f)
	m.sent = append(m.sent, f.Encode())
	return nil
}

func (m *mockTransport) Configure(cfg transport.Config) error { return nil }
func (m *mockTransport) Config() transport.Config             { return transport.Config{} }

func (m *mockTransport) SetMessageCallback(cb transport.MessageCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = cb
}

func (m *mockTransport) SetConnectionCallback(cb transport.ConnectionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnection = cb
}

func (m *mockTransport) SetErrorCallback(cb transport.ErrorCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = cb
}

func (m *mockTransport) Stats() transport.Stats { return transport.Stats{} }
func (m *mockTransport) ResetStats()            {}
func (m *mockTransport) Endpoint() string       { return "mock://local" }

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) lastSent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockTransport) lastFrame() *protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

// engine builds an orchestrator wired to a connected mock transport.
func engine(t *testing.T) (*Protocol, *mockTransport) {
	t.Helper()

	p := New("local-node")
	mt := newMockTransport()
	require.NoError(t, p.SetTransport(mt))
	return p, mt
}

func decodeSent(t *testing.T, data []byte) *protocol.Envelope {
	t.Helper()

	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func TestConfigure(t *testing.T) {
	p := New("node")

	cfg := DefaultConfig()
	cfg.MaxMessageSize = 2048
	require.NoError(t, p.Configure(cfg))
	assert.Equal(t, 2048, p.Config().MaxMessageSize)

	bad := DefaultConfig()
	bad.Version = ""
	err := p.Configure(bad)
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))

	bad = DefaultConfig()
	bad.MaxMessageSize = 0
	err = p.Configure(bad)
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))

	// A rejected config leaves the previous one in place.
	assert.Equal(t, 2048, p.Config().MaxMessageSize)
}

func TestSetTransportNil(t *testing.T) {
	p := New("node")
	err := p.SetTransport(nil)
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))
}

func TestConnectWithoutTransport(t *testing.T) {
	p := New("node")
	err := p.Connect()
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))
}

func TestConnectAlreadyConnected(t *testing.T) {
	p, _ := engine(t)
	err := p.Connect()
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))
}

func TestSendControl(t *testing.T) {
	p, mt := engine(t)

	msgID, err := p.SendControl("peer-1", protocol.OpControl, "ping", map[string]string{"seq": "1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msgID, "msg-"))

	env := decodeSent(t, mt.lastSent())
	assert.Equal(t, "local-node", env.From)
	assert.Equal(t, "peer-1", env.To)
	assert.Equal(t, protocol.OpControl, env.Op)
	assert.Equal(t, "ping", env.Capabilities["command"])
	assert.Equal(t, "1", env.Capabilities["seq"])
	assert.Equal(t, msgID, env.MsgID)
}

func TestSendControlValidation(t *testing.T) {
	p, mt := engine(t)

	tests := []struct {
		name    string
		to      string
		op      protocol.OperationType
		command string
	}{
		{"empty destination", "", protocol.OpControl, "ping"},
		{"empty command", "peer", protocol.OpControl, ""},
		{"reserved operation", "peer", protocol.OpRequest, "ping"},
		{"unknown operation", "peer", 99, "ping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.SendControl(tt.to, tt.op, tt.command, nil)
			assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))
		})
	}

	assert.Zero(t, mt.sentCount(), "rejected sends must not reach the transport")
}

func TestSendControlDisconnected(t *testing.T) {
	p, mt := engine(t)
	require.NoError(t, mt.Disconnect())

	_, err := p.SendControl("peer", protocol.OpControl, "ping", nil)
	assert.Equal(t, protocol.CodeNetworkError, protocol.CodeOf(err))
}

func TestSendData(t *testing.T) {
	p, mt := engine(t)

	payload := []byte("binary payload")
	hint := &protocol.PayloadHint{Type: protocol.PayloadBinary, Size: uint64(len(payload))}

	msgID, err := p.SendData("peer-1", payload, hint)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msgID, "msg-"))

	frame := mt.lastFrame()
	require.NotNil(t, frame)
	assert.Equal(t, protocol.OpData, frame.Header.Type)
	assert.Equal(t, uint64(1), frame.Header.StreamID)
	assert.Equal(t, uint32(0), frame.Header.Sequence)
	assert.Equal(t, payload, frame.Payload)

	// Stream ids increase monotonically across sends.
	_, err = p.SendData("peer-1", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), mt.lastFrame().Header.StreamID)
}

func TestSendDataValidation(t *testing.T) {
	p, mt := engine(t)

	_, err := p.SendData("", []byte("x"), nil)
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))

	_, err = p.SendData("peer", nil, nil)
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))

	assert.Zero(t, mt.sentCount())
}

func TestSendDataSizeGuard(t *testing.T) {
	p, mt := engine(t)

	cfg := DefaultConfig()
	cfg.MaxMessageSize = 100
	require.NoError(t, p.Configure(cfg))

	_, err := p.SendData("peer", make([]byte, 101), nil)
	assert.Equal(t, protocol.CodeBufferOverflow, protocol.CodeOf(err))
	assert.Zero(t, mt.sentCount(), "oversized payload must be rejected before I/O")

	// Exactly the maximum passes.
	_, err = p.SendData("peer", make([]byte, 100), nil)
	require.NoError(t, err)
}

func TestSendDataNoStreamIDOnFailure(t *testing.T) {
	p, mt := engine(t)
	require.NoError(t, mt.Disconnect())

	_, err := p.SendData("peer", []byte("x"), nil)
	assert.Equal(t, protocol.CodeNetworkError, protocol.CodeOf(err))

	require.NoError(t, mt.Connect())
	_, err = p.SendData("peer", []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), mt.lastFrame().Header.StreamID,
		"failed sends must not consume stream ids")
}

func TestSendDataCompression(t *testing.T) {
	p, mt := engine(t)
	require.NoError(t, p.SetCompressionManager(compress.NewManager(compress.Gzip)))

	// Below the threshold: sent verbatim.
	small := []byte("tiny")
	_, err := p.SendData("peer", small, nil)
	require.NoError(t, err)
	frame := mt.lastFrame()
	assert.Equal(t, small, frame.Payload)
	assert.False(t, frame.Header.HasFlag(protocol.FlagCompressedGzip))

	// Above the threshold: compressed with the flag set.
	large := make([]byte, 8192)
	_, err = p.SendData("peer", large, nil)
	require.NoError(t, err)
	frame = mt.lastFrame()
	assert.True(t, frame.Header.HasFlag(protocol.FlagCompressedGzip))
	assert.Less(t, len(frame.Payload), len(large))

	decompressed, err := compress.NewManager(compress.Gzip).Decompress(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, large, decompressed)
}

func TestSendDataCompressionDisabled(t *testing.T) {
	p, mt := engine(t)
	require.NoError(t, p.SetCompressionManager(compress.NewManager(compress.Gzip)))

	cfg := DefaultConfig()
	cfg.EnableCompression = false
	require.NoError(t, p.Configure(cfg))

	large := make([]byte, 8192)
	_, err := p.SendData("peer", large, nil)
	require.NoError(t, err)
	assert.Equal(t, large, mt.lastFrame().Payload)
}

func TestSendAck(t *testing.T) {
	p, mt := engine(t)

	_, err := p.SendAck("peer-1", "msg-123")
	require.NoError(t, err)

	env := decodeSent(t, mt.lastSent())
	assert.Equal(t, protocol.OpAck, env.Op)
	require.Len(t, env.PayloadRefs, 1)
	assert.Equal(t, "msg-123", env.PayloadRefs[0]["message_id"])
	assert.Equal(t, "OK", env.PayloadRefs[0]["status"])

	_, err = p.SendAck("peer-1", "")
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))
	_, err = p.SendAck("", "msg-123")
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))
}

func TestSendError(t *testing.T) {
	p, mt := engine(t)

	_, err := p.SendError("peer-1", protocol.CodeTimeout, "deadline exceeded", "msg-9")
	require.NoError(t, err)

	env := decodeSent(t, mt.lastSent())
	assert.Equal(t, protocol.OpError, env.Op)
	require.Len(t, env.PayloadRefs, 1)
	ref := env.PayloadRefs[0]
	assert.Equal(t, "deadline exceeded", ref["error_message"])
	assert.Equal(t, "msg-9", ref["original_message_id"])
	assert.NotEmpty(t, ref["error_code"])

	// The original message id reference is optional.
	_, err = p.SendError("peer-1", protocol.CodeTimeout, "deadline exceeded", "")
	require.NoError(t, err)
	env = decodeSent(t, mt.lastSent())
	_, present := env.PayloadRefs[0]["original_message_id"]
	assert.False(t, present)
}

func TestProcessMessageEnvelope(t *testing.T) {
	p, _ := engine(t)

	var (
		mu       sync.Mutex
		received *protocol.Envelope
	)
	p.RegisterHandler(protocol.OpControl, HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		mu.Lock()
		received = env
		mu.Unlock()
		assert.Nil(t, payload, "JSON envelope carries no binary payload")
	}))

	env := protocol.NewEnvelope("peer", "local-node", protocol.OpControl)
	env.Capabilities = map[string]string{"command": "ping"}
	data, err := env.Encode()
	require.NoError(t, err)

	require.NoError(t, p.ProcessMessage(data))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	assert.Equal(t, env.MsgID, received.MsgID)
	assert.Equal(t, "ping", received.Capabilities["command"])
}

func TestProcessMessageFrame(t *testing.T) {
	p, _ := engine(t)

	var (
		mu      sync.Mutex
		gotEnv  *protocol.Envelope
		gotData []byte
	)
	p.RegisterHandler(protocol.OpData, HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		mu.Lock()
		gotEnv = env
		gotData = payload
		mu.Unlock()
	}))

	frame := protocol.NewFrame(protocol.OpData, 42, 7, []byte("frame payload"))
	require.NoError(t, p.ProcessMessage(frame.Encode()))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotEnv)
	assert.Equal(t, "frame-42-7", gotEnv.MsgID)
	assert.Equal(t, "local-node", gotEnv.To)
	assert.Equal(t, protocol.OpData, gotEnv.Op)
	assert.Equal(t, []byte("frame payload"), gotData)
}

func TestProcessMessageCompressedFrame(t *testing.T) {
	p, _ := engine(t)
	require.NoError(t, p.SetCompressionManager(compress.NewManager(compress.Gzip)))

	original := make([]byte, 4096)
	for i := range original {
		original[i] = byte(i % 7)
	}
	compressed, err := compress.NewManager(compress.Gzip).Compress(original, compress.DefaultLevel)
	require.NoError(t, err)

	frame := protocol.NewFrame(protocol.OpData, 1, 0, compressed)
	frame.Header.SetFlag(protocol.FlagCompressedGzip)

	var (
		mu  sync.Mutex
		got []byte
	)
	p.RegisterHandler(protocol.OpData, HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	}))

	require.NoError(t, p.ProcessMessage(frame.Encode()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, original, got, "handler must see the decompressed payload")
}

func TestProcessMessageCompressedFrameNoManager(t *testing.T) {
	p, _ := engine(t)

	frame := protocol.NewFrame(protocol.OpData, 1, 0, []byte("opaque"))
	frame.Header.SetFlag(protocol.FlagCompressedGzip)

	err := p.ProcessMessage(frame.Encode())
	assert.Equal(t, protocol.CodeDecompressionFailed, protocol.CodeOf(err))
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestProcessMessageMalformed(t *testing.T) {
	p, _ := engine(t)

	dispatched := false
	p.RegisterHandler(protocol.OpControl, HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		dispatched = true
	}))

	err := p.ProcessMessage([]byte("neither frame nor JSON"))
	require.Error(t, err)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Errors, "exactly one error counted")
	assert.Zero(t, stats.MessagesReceived)
	assert.False(t, dispatched, "no handler runs for undecodable input")
}

func TestProcessMessageOversized(t *testing.T) {
	p, _ := engine(t)

	cfg := DefaultConfig()
	cfg.MaxMessageSize = 64
	require.NoError(t, p.Configure(cfg))

	err := p.ProcessMessage(make([]byte, 65))
	assert.Equal(t, protocol.CodeBufferOverflow, protocol.CodeOf(err))
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestProcessMessageNoHandler(t *testing.T) {
	p, _ := engine(t)

	env := protocol.NewEnvelope("peer", "local-node", protocol.OpControl)
	data, err := env.Encode()
	require.NoError(t, err)

	require.NoError(t, p.ProcessMessage(data))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.MessagesReceived, "message counts even without a handler")
	assert.Zero(t, stats.Errors)
}

func TestProcessMessageHandlerPanic(t *testing.T) {
	p, _ := engine(t)

	p.RegisterHandler(protocol.OpControl, HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		panic("handler bug")
	}))

	env := protocol.NewEnvelope("peer", "local-node", protocol.OpControl)
	data, err := env.Encode()
	require.NoError(t, err)

	err = p.ProcessMessage(data)
	require.Error(t, err, "panic surfaces as an error, not a crash")
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestUnregisterHandler(t *testing.T) {
	p, _ := engine(t)

	calls := 0
	p.RegisterHandler(protocol.OpAck, HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		calls++
	}))

	env := protocol.NewEnvelope("peer", "local-node", protocol.OpAck)
	data, err := env.Encode()
	require.NoError(t, err)

	require.NoError(t, p.ProcessMessage(data))
	p.UnregisterHandler(protocol.OpAck)
	require.NoError(t, p.ProcessMessage(data))

	assert.Equal(t, 1, calls)
}

func TestTransportCallbackWiring(t *testing.T) {
	p, mt := engine(t)

	var (
		mu  sync.Mutex
		got *protocol.Envelope
	)
	p.RegisterHandler(protocol.OpControl, HandlerFunc(func(env *protocol.Envelope, payload []byte) {
		mu.Lock()
		got = env
		mu.Unlock()
	}))

	env := protocol.NewEnvelope("peer", "local-node", protocol.OpControl)
	data, err := env.Encode()
	require.NoError(t, err)

	// Bytes arriving through the transport callback reach the handler.
	mt.onMessage(data)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, env.MsgID, got.MsgID)

	// Transport errors feed the error counter.
	mt.onError(protocol.CodeNetworkError, "read failed")
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestSecurityManagerWiring(t *testing.T) {
	p, _ := engine(t)

	assert.False(t, p.IsAuthenticated(), "no manager attached")

	err := p.SetSecurityManager(nil)
	assert.Equal(t, protocol.CodeInvalidArgument, protocol.CodeOf(err))

	local := security.NewManager("local-node")
	require.NoError(t, local.GenerateKeypair())
	require.NoError(t, p.SetSecurityManager(local))
	assert.False(t, p.IsAuthenticated(), "keys alone are not a session")

	peer := security.NewManager("peer")
	require.NoError(t, peer.GenerateKeypair())
	require.NoError(t, local.SetPeerPublicKey(peer.PublicKey()))
	require.NoError(t, local.EstablishSession("peer"))

	assert.True(t, p.IsAuthenticated())

	local.CloseSession()
	assert.False(t, p.IsAuthenticated())
}

func TestStats(t *testing.T) {
	p, _ := engine(t)

	_, err := p.SendControl("peer", protocol.OpControl, "ping", nil)
	require.NoError(t, err)
	_, err = p.SendData("peer", []byte("payload"), nil)
	require.NoError(t, err)

	env := protocol.NewEnvelope("peer", "local-node", protocol.OpAck)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, p.ProcessMessage(data))

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.MessagesSent)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
	assert.NotZero(t, stats.BytesSent)
	assert.Equal(t, uint64(len(data)), stats.BytesReceived)
	assert.False(t, stats.StartTime.IsZero())

	p.ResetStats()
	stats = p.Stats()
	assert.Zero(t, stats.MessagesSent)
	assert.Zero(t, stats.MessagesReceived)
	assert.Zero(t, stats.BytesSent)
	assert.Zero(t, stats.BytesReceived)
}

func TestEnvelopeWireShape(t *testing.T) {
	p, mt := engine(t)

	_, err := p.SendControl("peer-b", protocol.OpControl, "hello", nil)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(mt.lastSent(), &raw))

	for _, key := range []string{"v", "msg_id", "ts", "from", "to", "op"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, float64(protocol.OpControl), raw["op"], "op is an integer ordinal on the wire")
}
