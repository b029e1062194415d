// Package transport provides the UMICP transport abstraction and its
// two implementations: a message-oriented WebSocket transport and a
// multiplexed-stream QUIC transport.
//
// Both variants run a dedicated I/O goroutine for inbound traffic and
// invoke all registered callbacks on that goroutine. Handlers wired to
// the callbacks must not block; long-running work belongs on a worker
// goroutine fed by a channel.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"time"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// DefaultDialTimeout bounds connection attempts. Expiry surfaces as a
// TIMEOUT failure with full resource cleanup.
const DefaultDialTimeout = 5 * time.Second

// MessageCallback delivers one complete inbound message.
type MessageCallback func(data []byte)

// ConnectionCallback signals connection state changes.
type ConnectionCallback func(connected bool, reason string)

// ErrorCallback reports transport-level failures.
type ErrorCallback func(code protocol.ErrorCode, message string)

// TLSConfig carries the certificate material for a secured transport.
type TLSConfig struct {
	CAFile     string   // CA bundle for peer verification
	CertFile   string   // Client/server certificate
	KeyFile    string   // Private key for CertFile
	VerifyPeer bool     // Verify the remote certificate chain
	Ciphers    []string // Cipher preference list (TLS 1.2 names)
}

// Build constructs a tls.Config from the file-based configuration.
func (c *TLSConfig) Build() (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.VerifyPeer,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, protocol.WrapError(protocol.CodeInvalidArgument,
				"cannot read CA file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, protocol.NewError(protocol.CodeInvalidArgument,
				"CA file contains no usable certificates")
		}
		conf.RootCAs = pool
	}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, protocol.WrapError(protocol.CodeInvalidArgument,
				"cannot load certificate pair", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	if len(c.Ciphers) > 0 {
		var suites []uint16
		for _, name := range c.Ciphers {
			for _, s := range tls.CipherSuites() {
				if s.Name == name {
					suites = append(suites, s.ID)
				}
			}
		}
		conf.CipherSuites = suites
	}

	return conf, nil
}

// Config carries the connection parameters shared by all transports.
type Config struct {
	Host        string
	Port        int
	Path        string
	TLS         *TLSConfig
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// Stats tracks per-connection transport activity.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	ConnectionCount  uint64
	Errors           uint64
	LastActivity     time.Time
}

// Transport is the contract shared by the message-oriented and the
// multiplexed-stream variants.
type Transport interface {
	Connect() error
	Disconnect() error
	IsConnected() bool

	Send(data []byte) error
	SendEnvelope(env *protocol.Envelope) error
	SendFrame(f *protocol.Frame) error

	Configure(cfg Config) error
	Config() Config

	SetMessageCallback(cb MessageCallback)
	SetConnectionCallback(cb ConnectionCallback)
	SetErrorCallback(cb ErrorCallback)

	Stats() Stats
	ResetStats()

	// Endpoint returns the canonical connection URI.
	Endpoint() string
}

// callbackSet guards callback registration separately from the stats
// lock, so no application callback runs while stats are held.
type callbackSet struct {
	mu         sync.Mutex
	message    MessageCallback
	connection ConnectionCallback
	fault      ErrorCallback
}

func (s *callbackSet) setMessage(cb MessageCallback) {
	s.mu.Lock()
	s.message = cb
	s.mu.Unlock()
}

func (s *callbackSet) setConnection(cb ConnectionCallback) {
	s.mu.Lock()
	s.connection = cb
	s.mu.Unlock()
}

func (s *callbackSet) setError(cb ErrorCallback) {
	s.mu.Lock()
	s.fault = cb
	s.mu.Unlock()
}

func (s *callbackSet) onMessage(data []byte) {
	s.mu.Lock()
	cb := s.message
	s.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (s *callbackSet) onConnection(connected bool, reason string) {
	s.mu.Lock()
	cb := s.connection
	s.mu.Unlock()
	if cb != nil {
		cb(connected, reason)
	}
}

func (s *callbackSet) onError(code protocol.ErrorCode, message string) {
	s.mu.Lock()
	cb := s.fault
	s.mu.Unlock()
	if cb != nil {
		cb(code, message)
	}
}

// statsTracker is the shared stats accounting for both transports.
type statsTracker struct {
	mu    sync.Mutex
	stats Stats
}

func (t *statsTracker) markSent(n int) {
	t.mu.Lock()
	t.stats.MessagesSent++
	t.stats.BytesSent += uint64(n)
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()
}

func (t *statsTracker) markReceived(n int) {
	t.mu.Lock()
	t.stats.MessagesReceived++
	t.stats.BytesReceived += uint64(n)
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()
}

func (t *statsTracker) markConnected() {
	t.mu.Lock()
	t.stats.ConnectionCount++
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()
}

func (t *statsTracker) markError() {
	t.mu.Lock()
	t.stats.Errors++
	t.mu.Unlock()
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *statsTracker) reset() {
	t.mu.Lock()
	t.stats = Stats{LastActivity: time.Now()}
	t.mu.Unlock()
}
