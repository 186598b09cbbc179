package mqttclient

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrokerURL(t *testing.T) {
	tests := []struct {
		raw     string
		host    string
		wantErr error
	}{
		{raw: "tcp://broker", host: "broker:1883"},
		{raw: "mqtt://broker:1884", host: "broker:1884"},
		{raw: "ssl://broker", host: "broker:8883"},
		{raw: "MQTTS://broker", host: "broker:8883"},
		{raw: "ws://broker/mqtt", host: "broker:80"},
		{raw: "wss://broker/mqtt", host: "broker:443"},
		{raw: "quic://broker:14567", host: "broker:14567"},
		{raw: "unix:///run/mqtt.sock"},
		{raw: "unix://", wantErr: ErrInvalidBrokerURL},
		{raw: "broker:1883", wantErr: ErrUnsupportedScheme},
		{raw: "http://broker", wantErr: ErrUnsupportedScheme},
		{raw: "tcp://:1883", wantErr: ErrInvalidBrokerURL},
		{raw: "://", wantErr: ErrInvalidBrokerURL},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ParseBrokerURL(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.host != "" {
				assert.Equal(t, tt.host, u.Host)
			}
		})
	}
}

func TestDialerFor(t *testing.T) {
	o := defaultOptions()

	tests := []struct {
		raw  string
		want Dialer
	}{
		{"tcp://broker", &TCPDialer{}},
		{"tls://broker", &TLSDialer{}},
		{"ws://broker", &WSDialer{}},
		{"quic://broker", &QUICDialer{}},
		{"unix:///tmp/mqtt.sock", UnixDialer{}},
	}

	for _, tt := range tests {
		u, err := ParseBrokerURL(tt.raw)
		require.NoError(t, err)
		d, err := o.dialerFor(u)
		require.NoError(t, err)
		assert.IsType(t, tt.want, d, tt.raw)
	}

	custom := DialerFunc(func(context.Context, *url.URL) (net.Conn, error) { return nil, nil })
	o.dialer = custom
	u, _ := ParseBrokerURL("ws://broker")
	d, err := o.dialerFor(u)
	require.NoError(t, err)
	assert.IsType(t, custom, d)
}

func TestDialerForProxy(t *testing.T) {
	o := defaultOptions()
	WithProxy(ProxyConfig{URL: "socks5://proxy:1080"})(o)

	u, _ := ParseBrokerURL("tcp://broker")
	d, err := o.dialerFor(u)
	require.NoError(t, err)
	tcp, ok := d.(*TCPDialer)
	require.True(t, ok)
	assert.NotNil(t, tcp.Proxy)

	u, _ = ParseBrokerURL("quic://broker")
	d, err = o.dialerFor(u)
	require.NoError(t, err)
	assert.IsType(t, &QUICDialer{}, d)

	WithProxy(ProxyConfig{URL: "ftp://proxy"})(o)
	u, _ = ParseBrokerURL("tcp://broker")
	_, err = o.dialerFor(u)
	assert.Error(t, err)
}

func TestTCPDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	u, err := ParseBrokerURL("tcp://" + ln.Addr().String())
	require.NoError(t, err)

	conn, err := (&TCPDialer{Timeout: time.Second}).Dial(context.Background(), u)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00}, buf)
}

// connectProxy is a minimal HTTP CONNECT proxy that accepts one tunnel.
func connectProxy(t *testing.T, status int) (addr string, requests chan *http.Request) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	requests = make(chan *http.Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		requests <- req

		resp := &http.Response{StatusCode: status, ProtoMajor: 1, ProtoMinor: 1}
		resp.Write(conn)
		if status == http.StatusOK {
			io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String(), requests
}

func TestProxyDialerHTTPConnect(t *testing.T) {
	addr, requests := connectProxy(t, http.StatusOK)

	d, err := NewProxyDialer("http://"+addr, "user", "secret")
	require.NoError(t, err)

	conn, err := d.DialContext(context.Background(), "tcp", "broker.example.com:1883")
	require.NoError(t, err)
	defer conn.Close()

	req := <-requests
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "broker.example.com:1883", req.Host)
	assert.True(t, strings.HasPrefix(req.Header.Get("Proxy-Authorization"), "Basic "))

	_, err = conn.Write([]byte{0xD0, 0x00})
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD0, 0x00}, buf)
}

func TestProxyDialerRefused(t *testing.T) {
	addr, _ := connectProxy(t, http.StatusForbidden)

	d, err := NewProxyDialer("http://"+addr, "", "")
	require.NoError(t, err)

	_, err = d.DialContext(context.Background(), "tcp", "broker.example.com:1883")
	assert.ErrorIs(t, err, ErrProxyRefused)
}

func TestNewProxyDialer(t *testing.T) {
	d, err := NewProxyDialer("socks5://alice:pw@proxy", "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", d.username)
	assert.Equal(t, "pw", d.password)
	assert.Equal(t, "proxy:1080", d.proxyAddr("1080"))

	d, err = NewProxyDialer("http://alice:pw@proxy:3128", "bob", "x")
	require.NoError(t, err)
	assert.Equal(t, "bob", d.username)
	assert.Equal(t, "proxy:3128", d.proxyAddr("8080"))

	_, err = NewProxyDialer("gopher://proxy", "", "")
	assert.Error(t, err)
}

func TestProxyFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://plain-proxy:3128")
	t.Setenv("HTTPS_PROXY", "http://secure-proxy:3128")
	t.Setenv("NO_PROXY", "internal.example.com")

	u, err := ProxyFromEnvironment("tcp://broker.example.com:1883")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "plain-proxy:3128", u.Host)

	u, err = ProxyFromEnvironment("mqtts://broker.example.com:8883")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "secure-proxy:3128", u.Host)

	u, err = ProxyFromEnvironment("tcp://internal.example.com:1883")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestWSDialer(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{WebSocketSubprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		assert.Equal(t, WebSocketSubprotocol, ws.Subprotocol())
		assert.Equal(t, "yes", r.Header.Get("X-Test"))

		// answer one packet split across two frames
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ws.WriteMessage(websocket.BinaryMessage, []byte{0x20, 0x02})
		ws.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x00})
		ws.ReadMessage()
	}))
	defer srv.Close()

	u, err := ParseBrokerURL("ws" + strings.TrimPrefix(srv.URL, "http") + "/mqtt")
	require.NoError(t, err)

	header := http.Header{}
	header.Set("X-Test", "yes")
	conn, err := NewWSDialer(nil, header).Dial(context.Background(), u)
	require.NoError(t, err)
	defer conn.Close()

	_, err = WritePacket(conn, &PingreqPacket{}, ProtocolV311, 0)
	require.NoError(t, err)

	pkt, _, err := ReadPacket(conn, ProtocolV311, 0)
	require.NoError(t, err)
	connack, ok := pkt.(*ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, ReasonSuccess, connack.ReasonCode)
}
