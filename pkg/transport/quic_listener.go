package transport

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// Listener accepts inbound QUIC connections on the relay side. Each
// accepted connection is typically wrapped with NewQUICConn.
type Listener struct {
	ln *quic.Listener
}

// ListenQUIC starts a QUIC listener with the given certificate.
func ListenQUIC(addr string, cert tls.Certificate) (*Listener, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}

	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlive,
	})
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeNetworkError,
			"quic listen failed", err)
	}

	return &Listener{ln: ln}, nil
}

// Accept blocks until the next connection arrives.
func (l *Listener) Accept() (*quic.Conn, error) {
	return l.ln.Accept(context.Background())
}

// Addr returns the listener address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}
