package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// ALPN identifier negotiated on QUIC connections.
const ALPN = "umicp"

const (
	quicIdleTimeout = 30 * time.Second
	quicKeepAlive   = 10 * time.Second
)

// QUIC is the multiplexed-stream transport: each logical send opens a
// new QUIC stream and closes it after writing, so many sends can be in
// flight concurrently on one connection. Inbound streams are read to
// EOF and delivered as one complete message each.
type QUIC struct {
	mu         sync.Mutex // guards conn, connected, cfg
	cfg        Config
	conn       *quic.Conn
	connected  bool
	serverSide bool

	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopping atomic.Bool
	wg       sync.WaitGroup

	callbacks callbackSet
	tracker   statsTracker
}

var _ Transport = (*QUIC)(nil)

// NewQUIC creates a client-side QUIC transport.
func NewQUIC(cfg Config) *QUIC {
	return &QUIC{cfg: cfg.withDefaults()}
}

// NewQUICConn wraps an already-accepted server-side connection. The
// transport starts connected but accepts no streams until Start is
// called, so callbacks registered in between never miss a message.
func NewQUICConn(conn *quic.Conn) *QUIC {
	t := &QUIC{
		cfg:        Config{}.withDefaults(),
		conn:       conn,
		connected:  true,
		serverSide: true,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.tracker.markConnected()
	return t
}

// Start launches the accept loop on a wrapped server-side connection.
// It is a no-op on client transports (Connect starts their loop) and
// on a transport that is already running.
func (t *QUIC) Start() {
	t.mu.Lock()
	if !t.serverSide || t.started || !t.connected {
		t.mu.Unlock()
		return
	}
	t.started = true
	conn := t.conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(conn)
}

// Connect dials the configured endpoint. QUIC always runs over TLS;
// without an explicit TLS configuration the transport uses a
// non-verifying client config, which is only acceptable against peers
// using self-signed development certificates.
func (t *QUIC) Connect() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	cfg := t.cfg
	t.mu.Unlock()

	var tlsConf *tls.Config
	if cfg.TLS != nil {
		built, err := cfg.TLS.Build()
		if err != nil {
			return err
		}
		tlsConf = built
	} else {
		tlsConf = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
	}
	tlsConf.NextProtos = []string{ALPN}

	ctx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer dialCancel()

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlive,
	})
	if err != nil {
		cancel()
		t.tracker.markError()
		if isTimeout(err) {
			return protocol.WrapError(protocol.CodeTimeout,
				"connection attempt timed out", err)
		}
		return protocol.WrapError(protocol.CodeNetworkError,
			"quic dial failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.ctx = ctx
	t.cancel = cancel
	t.mu.Unlock()

	t.stopping.Store(false)
	t.tracker.markConnected()
	t.wg.Add(1)
	go t.acceptLoop(conn)

	t.callbacks.onConnection(true, "")
	return nil
}

// Disconnect closes the connection and waits for the I/O goroutines.
// It is idempotent.
func (t *QUIC) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	cancel := t.cancel
	t.connected = false
	t.conn = nil
	t.mu.Unlock()

	t.stopping.Store(true)
	cancel()
	err := conn.CloseWithError(0, "disconnected by user")
	t.wg.Wait()

	t.callbacks.onConnection(false, "disconnected by user")
	if err != nil {
		return protocol.WrapError(protocol.CodeNetworkError, "close failed", err)
	}
	return nil
}

// IsConnected reports the connection state.
func (t *QUIC) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send opens a new stream, writes the message and closes the stream.
// Safe for concurrent callers.
func (t *QUIC) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	ctx := t.ctx
	t.mu.Unlock()

	if !connected || conn == nil {
		return protocol.NewError(protocol.CodeNetworkError, "not connected")
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.tracker.markError()
		return protocol.WrapError(protocol.CodeNetworkError,
			"cannot open stream", err)
	}

	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(1)
		t.tracker.markError()
		return protocol.WrapError(protocol.CodeNetworkError,
			"stream write failed", err)
	}

	if err := stream.Close(); err != nil {
		t.tracker.markError()
		return protocol.WrapError(protocol.CodeNetworkError,
			"stream close failed", err)
	}

	t.tracker.markSent(len(data))
	return nil
}

// SendEnvelope serializes the envelope onto its own stream.
func (t *QUIC) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return t.Send(data)
}

// SendFrame serializes the frame onto its own stream.
func (t *QUIC) SendFrame(f *protocol.Frame) error {
	return t.Send(f.Encode())
}

// Configure replaces the transport configuration. Fails while
// connected.
func (t *QUIC) Configure(cfg Config) error {
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
func (t *QUIC) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *QUIC) SetMessageCallback(cb MessageCallback) {
	t.callbacks.setMessage(cb)
}

func (t *QUIC) SetConnectionCallback(cb ConnectionCallback) {
	t.callbacks.setConnection(cb)
}

func (t *QUIC) SetErrorCallback(cb ErrorCallback) {
	t.callbacks.setError(cb)
}

// Stats returns a snapshot of the transport counters.
func (t *QUIC) Stats() Stats {
	return t.tracker.snapshot()
}

// ResetStats zeroes the transport counters.
func (t *QUIC) ResetStats() {
	t.tracker.reset()
}

// Endpoint returns the canonical connection URI.
func (t *QUIC) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.serverSide && t.conn != nil {
		return fmt.Sprintf("quic://%s", t.conn.RemoteAddr())
	}
	return fmt.Sprintf("quic://%s:%d", t.cfg.Host, t.cfg.Port)
}

// acceptLoop is the dedicated I/O goroutine: it accepts inbound
// streams and spawns a reader per stream so slow streams do not stall
// each other.
func (t *QUIC) acceptLoop(conn *quic.Conn) {
	defer t.wg.Done()

	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			if t.stopping.Load() {
				return
			}

			t.mu.Lock()
			t.connected = false
			t.conn = nil
			t.mu.Unlock()

			t.tracker.markError()
			t.callbacks.onError(protocol.CodeNetworkError, err.Error())
			t.callbacks.onConnection(false, err.Error())
			return
		}

		t.wg.Add(1)
		go t.readStream(stream)
	}
}

// readStream reassembles one complete message from a stream before
// invoking the message callback.
func (t *QUIC) readStream(stream *quic.Stream) {
	defer t.wg.Done()

	data, err := io.ReadAll(stream)
	if err != nil {
		if !t.stopping.Load() {
			t.tracker.markError()
			t.callbacks.onError(protocol.CodeNetworkError, err.Error())
		}
		return
	}

	t.tracker.markReceived(len(data))
	t.callbacks.onMessage(data)
}
