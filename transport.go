package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Transport errors.
var (
	ErrInvalidBrokerURL  = errors.New("invalid broker URL")
	ErrUnsupportedScheme = errors.New("unsupported broker URL scheme")
)

var noDeadline time.Time

// Dialer establishes the byte stream a client connection runs on.
type Dialer interface {
	// Dial connects to the broker at u.
	Dial(ctx context.Context, u *url.URL) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, u *url.URL) (net.Conn, error)

// Dial calls f(ctx, u).
func (f DialerFunc) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	return f(ctx, u)
}

// Default ports per scheme. Schemes without a port (unix) are absent.
var defaultPorts = map[string]string{
	"tcp":   "1883",
	"mqtt":  "1883",
	"ssl":   "8883",
	"tls":   "8883",
	"mqtts": "8883",
	"ws":    "80",
	"wss":   "443",
	"quic":  "14567",
}

// ParseBrokerURL validates a broker address and fills in the default port of
// its scheme. No network activity happens here.
func ParseBrokerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBrokerURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: unix socket path is empty", ErrInvalidBrokerURL)
		}
		return u, nil
	case "":
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidBrokerURL, raw)
	}

	port, ok := defaultPorts[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidBrokerURL, raw)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

func isTLSScheme(scheme string) bool {
	switch scheme {
	case "ssl", "tls", "mqtts", "wss", "quic":
		return true
	}
	return false
}

// TCPDialer connects over plain TCP, optionally through a proxy.
type TCPDialer struct {
	Timeout time.Duration
	Proxy   *ProxyDialer
}

// Dial connects to u.Host.
func (d *TCPDialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	if d.Proxy != nil {
		return d.Proxy.DialContext(ctx, "tcp", u.Host)
	}
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "tcp", u.Host)
}

// TLSDialer connects over TLS, optionally through a proxy.
type TLSDialer struct {
	Config  *tls.Config
	Timeout time.Duration
	Proxy   *ProxyDialer
}

// Dial connects to u.Host and completes the TLS handshake.
func (d *TLSDialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	config := d.Config
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName = u.Hostname()
	}

	if d.Proxy == nil {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: d.Timeout},
			Config:    config,
		}
		return dialer.DialContext(ctx, "tcp", u.Host)
	}

	raw, err := d.Proxy.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// UnixDialer connects to a broker listening on a unix domain socket.
type UnixDialer struct{}

// Dial connects to u.Path.
func (UnixDialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", u.Path)
}

// dialerFor picks the transport for a validated broker URL. A dialer set
// with WithDialer takes precedence over the scheme defaults.
func (o *clientOptions) dialerFor(u *url.URL) (Dialer, error) {
	if o.dialer != nil {
		return o.dialer, nil
	}

	proxy, err := o.proxyFor(u)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		return &TCPDialer{Timeout: o.connectTimeout, Proxy: proxy}, nil
	case "ssl", "tls", "mqtts":
		return &TLSDialer{Config: o.tlsConfig, Timeout: o.connectTimeout, Proxy: proxy}, nil
	case "ws", "wss":
		d := NewWSDialer(o.tlsConfig, o.wsHeader)
		if proxy != nil {
			d.Dialer.NetDialContext = proxy.DialContext
		}
		return d, nil
	case "quic":
		return NewQUICDialer(o.tlsConfig), nil
	case "unix":
		return UnixDialer{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
}

// proxyFor returns the proxy configured for u, if any. UDP and unix
// transports never go through a proxy.
func (o *clientOptions) proxyFor(u *url.URL) (*ProxyDialer, error) {
	if u.Scheme == "quic" || u.Scheme == "unix" {
		return nil, nil
	}

	if o.proxy != nil {
		return NewProxyDialer(o.proxy.URL, o.proxy.Username, o.proxy.Password)
	}
	if !o.proxyFromEnv {
		return nil, nil
	}

	proxyURL, err := ProxyFromEnvironment(u.String())
	if err != nil || proxyURL == nil {
		return nil, err
	}
	return NewProxyDialer(proxyURL.String(), "", "")
}
