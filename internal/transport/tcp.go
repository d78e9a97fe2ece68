package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

const tcpKeepAlive = 30 * time.Second

// Dial opens the session TCP stream to addr, wrapping it in TLS when
// tlsConfig is non-nil (spec §4.7: "Connecting -> Handshaking: TCP
// (optionally TLS) established").
func Dial(ctx context.Context, addr string, connectTimeout time.Duration, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: tcpKeepAlive}

	if tlsConfig != nil {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, &TlsError{Kind: HandshakeFailed, Err: err}
		}
		return conn, nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

// Listener wraps net.Listener so Accept can apply TCP_NODELAY to plain
// (non-TLS) connections the same way Dial does for outbound ones.
type Listener struct {
	net.Listener
	tls bool
}

// Listen opens the session's TCP listener on addr, wrapping it in TLS when
// tlsConfig is non-nil.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	if tlsConfig != nil {
		ln, err := tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("transport: listen tls %s: %w", addr, err)
		}
		return &Listener{Listener: ln, tls: true}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{Listener: ln}, nil
}

// Accept accepts the next connection, applying TCP_NODELAY when the
// listener isn't TLS-wrapped (tls.Conn already wraps a *net.TCPConn it
// configures itself).
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if !l.tls {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
	}
	return conn, nil
}
