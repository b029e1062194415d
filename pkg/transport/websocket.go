package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// WebSocket is the message-oriented transport: each logical send
// becomes one WebSocket binary frame, and each inbound frame is
// delivered as one complete message by a dedicated reader goroutine.
type WebSocket struct {
	mu         sync.Mutex // guards conn, connected, cfg
	cfg        Config
	conn       *websocket.Conn
	connected  bool
	serverSide bool

	writeMu  sync.Mutex // serializes writes on the connection
	started  bool
	stopping atomic.Bool
	wg       sync.WaitGroup

	callbacks callbackSet
	tracker   statsTracker
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a client-side WebSocket transport.
func NewWebSocket(cfg Config) *WebSocket {
	return &WebSocket{cfg: cfg.withDefaults()}
}

// NewWebSocketConn wraps an already-accepted server-side connection.
// The transport starts connected but reads nothing until Start is
// called, so callbacks registered in between never miss a message.
func NewWebSocketConn(conn *websocket.Conn) *WebSocket {
	t := &WebSocket{
		cfg:        Config{}.withDefaults(),
		conn:       conn,
		connected:  true,
		serverSide: true,
	}
	t.tracker.markConnected()
	return t
}

// Start launches the reader loop on a wrapped server-side connection.
// It is a no-op on client transports (Connect starts their loop) and
// on a transport that is already running.
func (t *WebSocket) Start() {
	t.mu.Lock()
	if !t.serverSide || t.started || !t.connected {
		t.mu.Unlock()
		return
	}
	t.started = true
	conn := t.conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(conn)
}

// Connect dials the configured endpoint. The attempt is bounded by the
// configured dial timeout and fails with TIMEOUT on expiry. Calling
// Connect on a connected transport is a no-op.
func (t *WebSocket) Connect() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	cfg := t.cfg
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	if cfg.TLS != nil {
		tlsConf, err := cfg.TLS.Build()
		if err != nil {
			return err
		}
		dialer.TLSClientConfig = tlsConf
	}

	conn, resp, err := dialer.Dial(t.Endpoint(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.tracker.markError()
		if isTimeout(err) {
			return protocol.WrapError(protocol.CodeTimeout,
				"connection attempt timed out", err)
		}
		return protocol.WrapError(protocol.CodeNetworkError,
			"websocket dial failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.stopping.Store(false)
	t.tracker.markConnected()
	t.wg.Add(1)
	go t.readLoop(conn)

	t.callbacks.onConnection(true, "")
	return nil
}

// Disconnect stops the reader loop, closes the connection and waits
// for the I/O goroutine to exit. It is idempotent.
func (t *WebSocket) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.connected = false
	t.conn = nil
	t.mu.Unlock()

	t.stopping.Store(true)

	// Best-effort close handshake before tearing down the socket.
	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()

	err := conn.Close()
	t.wg.Wait()

	t.callbacks.onConnection(false, "disconnected by user")
	if err != nil {
		return protocol.WrapError(protocol.CodeNetworkError, "close failed", err)
	}
	return nil
}

// IsConnected reports the connection state.
func (t *WebSocket) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send transmits one message. Safe for concurrent callers; writes are
// serialized under the write mutex.
func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if !connected || conn == nil {
		return protocol.NewError(protocol.CodeNetworkError, "not connected")
	}

	t.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, data)
	t.writeMu.Unlock()

	if err != nil {
		t.tracker.markError()
		return protocol.WrapError(protocol.CodeNetworkError, "write failed", err)
	}

	t.tracker.markSent(len(data))
	return nil
}

// SendEnvelope serializes the envelope and sends it as one message.
func (t *WebSocket) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return t.Send(data)
}

// SendFrame serializes the frame and sends it as one message.
func (t *WebSocket) SendFrame(f *protocol.Frame) error {
	return t.Send(f.Encode())
}

// Configure replaces the transport configuration. Fails while
// connected.
func (t *WebSocket) Configure(cfg Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return protocol.NewError(protocol.CodeNetworkError,
			"cannot configure while connected")
	}
	t.cfg = cfg.withDefaults()
	return nil
}

// Config returns the current configuration.
func (t *WebSocket) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *WebSocket) SetMessageCallback(cb MessageCallback) {
	t.callbacks.setMessage(cb)
}

func (t *WebSocket) SetConnectionCallback(cb ConnectionCallback) {
	t.callbacks.setConnection(cb)
}

func (t *WebSocket) SetErrorCallback(cb ErrorCallback) {
	t.callbacks.setError(cb)
}

// Stats returns a snapshot of the transport counters.
func (t *WebSocket) Stats() Stats {
	return t.tracker.snapshot()
}

// ResetStats zeroes the transport counters.
func (t *WebSocket) ResetStats() {
	t.tracker.reset()
}

// Endpoint returns the canonical connection URI.
func (t *WebSocket) Endpoint() string {
	t.mu.Lock()
	cfg := t.cfg
	serverSide := t.serverSide
	conn := t.conn
	t.mu.Unlock()

	if serverSide && conn != nil {
		return fmt.Sprintf("ws://%s%s", conn.RemoteAddr(), cfg.Path)
	}

	scheme := "ws"
	if cfg.TLS != nil {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.Path,
	}
	return u.String()
}

// readLoop is the dedicated I/O goroutine: it blocks on reads, decodes
// nothing itself and hands complete messages to the message callback.
func (t *WebSocket) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.stopping.Load() {
				return
			}

			t.mu.Lock()
			t.connected = false
			t.conn = nil
			t.mu.Unlock()

			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.tracker.markError()
				t.callbacks.onError(protocol.CodeNetworkError, err.Error())
			}
			t.callbacks.onConnection(false, err.Error())
			return
		}

		t.tracker.markReceived(len(data))
		t.callbacks.onMessage(data)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
