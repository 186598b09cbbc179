package mqttclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICConn runs an MQTT session on a single bidirectional QUIC stream.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

// Read reads from the stream.
func (c *QUICConn) Read(b []byte) (int, error) { return c.stream.Read(b) }

// Write writes to the stream.
func (c *QUICConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream and the QUIC connection.
func (c *QUICConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.closeErr = c.stream.Close()
		if err := c.conn.CloseWithError(0, ""); c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *QUICConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline sets the read and write deadlines.
func (c *QUICConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *QUICConn) SetReadDeadline(t time.Time) error { return c.stream.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (c *QUICConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// QUICDialer connects to brokers over QUIC. QUIC mandates TLS 1.3.
type QUICDialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// NewQUICDialer creates a QUIC dialer advertising the mqtt ALPN.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{WebSocketSubprotocol}
	}
	return &QUICDialer{TLSConfig: tlsConfig}
}

// Dial opens a QUIC connection to u.Host and its first stream.
func (d *QUICDialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	tlsConfig := d.TLSConfig
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = u.Hostname()
	}

	conn, err := quic.DialAddr(ctx, u.Host, tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}

	return &QUICConn{conn: conn, stream: stream}, nil
}
