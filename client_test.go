package mqttclient

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

// fakeBroker hands the server side of in-memory connections to the test.
type fakeBroker struct {
	t       *testing.T
	version ProtocolVersion
	conns   chan *brokerConn
	refuse  atomic.Bool
}

func newFakeBroker(t *testing.T, version ProtocolVersion) *fakeBroker {
	return &fakeBroker{t: t, version: version, conns: make(chan *brokerConn, 8)}
}

func (b *fakeBroker) dialer() Dialer {
	return DialerFunc(func(_ context.Context, _ *url.URL) (net.Conn, error) {
		if b.refuse.Load() {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		b.conns <- newBrokerConn(b.t, server, b.version)
		return client, nil
	})
}

func (b *fakeBroker) accept() *brokerConn {
	b.t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(testTimeout):
		b.t.Fatal("client did not dial")
		return nil
	}
}

// brokerConn reads packets in the background so the test can write to the
// client at any time without deadlocking on the synchronous pipe.
type brokerConn struct {
	t       *testing.T
	conn    net.Conn
	version ProtocolVersion
	packets chan Packet
}

func newBrokerConn(t *testing.T, conn net.Conn, version ProtocolVersion) *brokerConn {
	c := &brokerConn{t: t, conn: conn, version: version, packets: make(chan Packet, 64)}
	go func() {
		defer close(c.packets)
		r := newPacketReader(conn, version, 0)
		for {
			pkt, err := r.Next()
			if err != nil {
				return
			}
			c.packets <- pkt
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *brokerConn) expect() Packet {
	c.t.Helper()
	select {
	case pkt, ok := <-c.packets:
		require.True(c.t, ok, "connection closed while waiting for a packet")
		return pkt
	case <-time.After(testTimeout):
		c.t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func expectPacket[T Packet](c *brokerConn) T {
	c.t.Helper()
	pkt := c.expect()
	got, ok := pkt.(T)
	require.True(c.t, ok, "unexpected %s", pkt.Type())
	return got
}

func (c *brokerConn) expectClosed() {
	c.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-c.packets:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection was not closed")
			return
		}
	}
}

func (c *brokerConn) send(pkt Packet) {
	c.t.Helper()
	_, err := WritePacket(c.conn, pkt, c.version, 0)
	require.NoError(c.t, err)
}

// handshake answers CONNECT with a successful CONNACK.
func (c *brokerConn) handshake(sessionPresent bool) *ConnectPacket {
	c.t.Helper()
	connect := expectPacket[*ConnectPacket](c)
	c.send(&ConnackPacket{SessionPresent: sessionPresent})
	return connect
}

type eventLog chan error

func (l eventLog) handler() EventHandler {
	return func(_ *Client, event error) {
		select {
		case l <- event:
		default:
		}
	}
}

func (l eventLog) waitFor(t *testing.T, target error) error {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-l:
			if errors.Is(ev, target) {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event", target)
			return nil
		}
	}
}

func newTestClient(t *testing.T, b *fakeBroker, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithServers("tcp://broker.test:1883"),
		WithClientID("test-client"),
		WithProtocolVersion(b.version),
		WithDialer(b.dialer()),
		WithConnectTimeout(time.Second),
		WithReconnectBackoff(10 * time.Millisecond),
	}
	c, err := NewClient(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func connectClient(t *testing.T, c *Client, b *fakeBroker) *brokerConn {
	t.Helper()
	tok := c.Connect(context.Background())
	conn := b.accept()
	conn.handshake(false)
	require.True(t, tok.WaitTimeout(testTimeout))
	require.NoError(t, tok.Error())
	return conn
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient()
	assert.ErrorIs(t, err, ErrNoServers)

	_, err = NewClient(WithServers("tcp://h:1883"), WithProtocolVersion(3))
	assert.ErrorIs(t, err, ErrInvalidProtocolVersion)

	_, err = NewClient(WithServers("ftp://h"))
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = NewClient(WithServers("tcp://h:1883"), WithClientID("a||b"))
	assert.NoError(t, err)

	_, err = NewClient(WithServers("tcp://h:1883"), WithWill(&Will{Topic: "a/#"}))
	assert.Error(t, err)

	c, err := NewClient(WithServers("tcp://h:1883"))
	require.NoError(t, err)
	assert.Contains(t, c.ClientID(), "mqttclient-")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientConnect(t *testing.T) {
	for _, version := range []ProtocolVersion{ProtocolV311, ProtocolV5} {
		t.Run(version.String(), func(t *testing.T) {
			b := newFakeBroker(t, version)
			events := make(eventLog, 16)
			c := newTestClient(t, b, WithKeepAlive(30), WithCredentials("user", "pass"), OnEvent(events.handler()))

			tok := c.Connect(context.Background(), WithUserContext("attempt-1"))
			conn := b.accept()
			connect := conn.handshake(false)

			require.NoError(t, tok.Wait())
			assert.False(t, tok.SessionPresent())
			assert.Equal(t, "attempt-1", tok.UserContext())

			assert.Equal(t, version, connect.ProtocolVersion)
			assert.Equal(t, "test-client", connect.ClientID)
			assert.Equal(t, uint16(30), connect.KeepAlive)
			assert.True(t, connect.CleanStart)
			assert.Equal(t, "user", connect.Username)
			assert.Equal(t, []byte("pass"), connect.Password)

			assert.True(t, c.IsConnected())
			assert.Equal(t, "tcp://broker.test:1883", c.Server())

			ev := events.waitFor(t, ErrConnected)
			var connected *ConnectedEvent
			require.ErrorAs(t, ev, &connected)
			assert.False(t, connected.SessionPresent)

			again := c.Connect(context.Background())
			assert.ErrorIs(t, again.Wait(), ErrAlreadyConnected)
		})
	}
}

func TestClientConnectRefused(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	c := newTestClient(t, b)

	tok := c.Connect(context.Background())
	conn := b.accept()
	expectPacket[*ConnectPacket](conn)
	conn.send(&ConnackPacket{ReasonCode: ReasonBadUserNameOrPassword})

	err := tok.Wait()
	assert.ErrorIs(t, err, ErrAuthFailed)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ReasonBadUserNameOrPassword, connErr.ReasonCode)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientConnectTimeout(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b, WithConnectTimeout(100*time.Millisecond))

	tok := c.Connect(context.Background())
	conn := b.accept()
	expectPacket[*ConnectPacket](conn)

	assert.ErrorIs(t, tok.Wait(), ErrConnectTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientConnectDialFailure(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	b.refuse.Store(true)
	c := newTestClient(t, b)

	assert.Error(t, c.Connect(context.Background()).Wait())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientPublishQoS0(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", Payload: []byte("hi")})
	require.NoError(t, tok.Wait())
	assert.Zero(t, tok.PacketID())

	pub := expectPacket[*PublishPacket](conn)
	assert.Equal(t, "a/b", pub.Topic)
	assert.Equal(t, []byte("hi"), pub.Payload)
	assert.Zero(t, pub.PacketID)
}

func TestClientPublishQoS1(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	store := NewMemoryStore()
	c := newTestClient(t, b, WithStore(store))
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", Payload: []byte("hi"), QoS: QoS1})
	pub := expectPacket[*PublishPacket](conn)
	assert.Equal(t, QoS1, pub.QoS)
	assert.False(t, pub.DUP)
	assert.NotZero(t, pub.PacketID)

	keys, err := store.Keys("test-client")
	require.NoError(t, err)
	assert.Equal(t, []string{sentKey(pub.PacketID)}, keys, "stored before the ack arrives")
	assert.False(t, tok.IsComplete())

	conn.send(&PubackPacket{ackFields{PacketID: pub.PacketID}})
	require.NoError(t, tok.Wait())
	assert.Equal(t, pub.PacketID, tok.PacketID())

	keys, err = store.Keys("test-client")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, c.InFlight())
}

func TestClientPublishQoS1FailureReason(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", QoS: QoS1})
	pub := expectPacket[*PublishPacket](conn)
	conn.send(&PubackPacket{ackFields{PacketID: pub.PacketID, ReasonCode: ReasonNotAuthorized}})

	err := tok.Wait()
	assert.ErrorIs(t, err, ErrPublishFailed)
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "a/b", pubErr.Topic)
	assert.Equal(t, ReasonNotAuthorized, pubErr.ReasonCode)
}

func TestClientPublishQoS2(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	store := NewMemoryStore()
	c := newTestClient(t, b, WithStore(store))
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", Payload: []byte("once"), QoS: QoS2})
	pub := expectPacket[*PublishPacket](conn)
	assert.Equal(t, QoS2, pub.QoS)

	conn.send(&PubrecPacket{ackFields{PacketID: pub.PacketID}})
	rel := expectPacket[*PubrelPacket](conn)
	assert.Equal(t, pub.PacketID, rel.PacketID)
	assert.False(t, tok.IsComplete())

	keys, err := store.Keys("test-client")
	require.NoError(t, err)
	assert.Equal(t, []string{releasedKey(pub.PacketID)}, keys)

	conn.send(&PubcompPacket{ackFields{PacketID: pub.PacketID}})
	require.NoError(t, tok.Wait())

	keys, err = store.Keys("test-client")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestClientPublishValidation(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)

	assert.ErrorIs(t, c.Publish(&Message{Topic: "a/b", QoS: QoS1}).Wait(), ErrNotConnected)
	assert.ErrorIs(t, c.Publish(&Message{Topic: "a/b"}).Wait(), ErrNotConnected)

	connectClient(t, c, b)
	assert.ErrorIs(t, c.Publish(&Message{Topic: "a/+"}).Wait(), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish(&Message{Topic: ""}).Wait(), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish(&Message{Topic: "a", QoS: 3}).Wait(), ErrInvalidQoS)
	assert.ErrorIs(t, c.Publish(nil).Wait(), ErrInvalidTopic)
}

func TestClientReceiveMaximum(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)

	tok := c.Connect(context.Background())
	conn := b.accept()
	expectPacket[*ConnectPacket](conn)
	connack := &ConnackPacket{}
	connack.Props.Set(PropReceiveMaximum, uint16(1))
	connack.Props.Set(PropMaximumQoS, byte(1))
	conn.send(connack)
	require.NoError(t, tok.Wait())

	first := c.Publish(&Message{Topic: "a", QoS: QoS1})
	pub := expectPacket[*PublishPacket](conn)

	assert.ErrorIs(t, c.Publish(&Message{Topic: "a", QoS: QoS1}).Wait(), ErrQuotaExceeded)
	assert.ErrorIs(t, c.Publish(&Message{Topic: "a", QoS: QoS2}).Wait(), ErrQoSNotSupported)

	conn.send(&PubackPacket{ackFields{PacketID: pub.PacketID}})
	require.NoError(t, first.Wait())

	third := c.Publish(&Message{Topic: "a", QoS: QoS1})
	pub = expectPacket[*PublishPacket](conn)
	conn.send(&PubackPacket{ackFields{PacketID: pub.PacketID}})
	require.NoError(t, third.Wait())
}

func TestClientSubscribeAndReceive(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	conn := connectClient(t, c, b)

	received := make(chan *Message, 8)
	tok := c.Subscribe("sensors/+", QoS2, func(msg *Message) { received <- msg })

	sub := expectPacket[*SubscribePacket](conn)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "sensors/+", sub.Subscriptions[0].TopicFilter)
	conn.send(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS2}})
	require.NoError(t, tok.Wait())
	assert.Equal(t, map[string]byte{"sensors/+": 2}, tok.GrantedQoS())

	conn.send(&PublishPacket{Topic: "sensors/1", Payload: []byte("q1"), QoS: QoS1, PacketID: 100})
	ack := expectPacket[*PubackPacket](conn)
	assert.Equal(t, uint16(100), ack.PacketID)

	select {
	case msg := <-received:
		assert.Equal(t, "sensors/1", msg.Topic)
		assert.Equal(t, []byte("q1"), msg.Payload)
	case <-time.After(testTimeout):
		t.Fatal("message not delivered")
	}

	conn.send(&PublishPacket{Topic: "sensors/2", Payload: []byte("q2"), QoS: QoS2, PacketID: 101})
	assert.Equal(t, uint16(101), expectPacket[*PubrecPacket](conn).PacketID)

	conn.send(&PublishPacket{Topic: "sensors/2", Payload: []byte("q2"), QoS: QoS2, PacketID: 101, DUP: true})
	assert.Equal(t, uint16(101), expectPacket[*PubrecPacket](conn).PacketID)

	conn.send(&PubrelPacket{ackFields{PacketID: 101}})
	comp := expectPacket[*PubcompPacket](conn)
	assert.Equal(t, uint16(101), comp.PacketID)
	assert.Equal(t, ReasonSuccess, comp.ReasonCode)

	select {
	case msg := <-received:
		assert.Equal(t, "sensors/2", msg.Topic)
	case <-time.After(testTimeout):
		t.Fatal("message not delivered")
	}
	select {
	case msg := <-received:
		t.Fatalf("duplicate delivery of %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	conn.send(&PubrelPacket{ackFields{PacketID: 999}})
	assert.Equal(t, ReasonPacketIDNotFound, expectPacket[*PubcompPacket](conn).ReasonCode)
}

func TestClientDefaultHandler(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	received := make(chan *Message, 1)
	c := newTestClient(t, b, WithDefaultHandler(func(msg *Message) { received <- msg }))
	conn := connectClient(t, c, b)

	conn.send(&PublishPacket{Topic: "unsolicited", Payload: []byte("x")})
	select {
	case msg := <-received:
		assert.Equal(t, "unsolicited", msg.Topic)
	case <-time.After(testTimeout):
		t.Fatal("message not delivered")
	}
}

func TestClientSubscribePartialFailure(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	conn := connectClient(t, c, b)

	tok := c.SubscribeMultiple([]Subscription{
		{TopicFilter: "ok/#", QoS: QoS1},
		{TopicFilter: "denied/#", QoS: QoS1},
	}, func(*Message) {})

	sub := expectPacket[*SubscribePacket](conn)
	conn.send(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS1, ReasonNotAuthorized}})

	err := tok.Wait()
	var subErr *SubscribeError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "denied/#", subErr.Topic)
	assert.Equal(t, map[string]byte{"ok/#": 1}, tok.GrantedQoS())

	c.subsMu.RLock()
	_, okKept := c.subs["ok/#"]
	_, deniedKept := c.subs["denied/#"]
	c.subsMu.RUnlock()
	assert.True(t, okKept)
	assert.False(t, deniedKept)
}

func TestClientUnsubscribe(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	conn := connectClient(t, c, b)

	sub := c.Subscribe("a/#", QoS0, func(*Message) {})
	sp := expectPacket[*SubscribePacket](conn)
	conn.send(&SubackPacket{PacketID: sp.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS0}})
	require.NoError(t, sub.Wait())

	tok := c.Unsubscribe([]string{"a/#", "b/#"})
	up := expectPacket[*UnsubscribePacket](conn)
	assert.Equal(t, []string{"a/#", "b/#"}, up.TopicFilters)
	conn.send(&UnsubackPacket{PacketID: up.PacketID, ReasonCodes: []ReasonCode{ReasonSuccess, ReasonNoSubscriptionExisted}})

	require.NoError(t, tok.Wait())
	assert.Equal(t, []ReasonCode{ReasonSuccess, ReasonNoSubscriptionExisted}, tok.ReasonCodes())

	c.subsMu.RLock()
	assert.Empty(t, c.subs)
	c.subsMu.RUnlock()

	assert.ErrorIs(t, c.Unsubscribe(nil).Wait(), ErrInvalidTopicFilter)
}

func TestClientReconnectResendsWithDUP(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	events := make(eventLog, 32)
	c := newTestClient(t, b,
		WithCleanSession(false),
		WithAutoReconnect(true),
		OnEvent(events.handler()),
	)
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", Payload: []byte("keep"), QoS: QoS1})
	pub := expectPacket[*PublishPacket](conn)
	assert.False(t, pub.DUP)

	conn.conn.Close()
	lost := events.waitFor(t, ErrConnectionLost)
	assert.IsType(t, &ConnectionLostError{}, lost)
	assert.False(t, tok.IsComplete(), "persistent publishes survive the connection")

	conn2 := b.accept()
	connect := conn2.handshake(true)
	assert.False(t, connect.CleanStart)

	resent := expectPacket[*PublishPacket](conn2)
	assert.True(t, resent.DUP)
	assert.Equal(t, pub.PacketID, resent.PacketID)
	assert.Equal(t, []byte("keep"), resent.Payload)

	conn2.send(&PubackPacket{ackFields{PacketID: resent.PacketID}})
	require.NoError(t, tok.Wait())

	events.waitFor(t, ErrConnected)
	assert.True(t, c.IsConnected())
}

func TestClientReconnectResendsPubrel(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b,
		WithSessionExpiryInterval(300),
		WithAutoReconnect(true),
	)
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", QoS: QoS2})
	pub := expectPacket[*PublishPacket](conn)
	conn.send(&PubrecPacket{ackFields{PacketID: pub.PacketID}})
	expectPacket[*PubrelPacket](conn)

	conn.conn.Close()

	conn2 := b.accept()
	connect := conn2.handshake(true)
	assert.False(t, connect.CleanStart, "only the first connection starts clean")
	assert.Equal(t, uint32(300), connect.Props.GetUint32(PropSessionExpiryInterval))

	rel := expectPacket[*PubrelPacket](conn2)
	assert.Equal(t, pub.PacketID, rel.PacketID)

	conn2.send(&PubcompPacket{ackFields{PacketID: pub.PacketID}})
	require.NoError(t, tok.Wait())
}

func TestClientCleanSessionFailsPending(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	events := make(eventLog, 16)
	c := newTestClient(t, b, OnEvent(events.handler()))
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", QoS: QoS1})
	expectPacket[*PublishPacket](conn)

	conn.conn.Close()

	err := tok.Wait()
	assert.ErrorIs(t, err, ErrConnectionLost)
	events.waitFor(t, ErrConnectionLost)
	assert.Equal(t, StateDisconnected, c.State())

	assert.ErrorIs(t, c.Publish(&Message{Topic: "a/b", QoS: QoS1}).Wait(), ErrNotConnected)
}

func TestClientCleanSessionReconnectDropsPending(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	events := make(eventLog, 32)
	store := NewMemoryStore()
	c := newTestClient(t, b, WithStore(store), WithAutoReconnect(true), OnEvent(events.handler()))
	conn := connectClient(t, c, b)

	tok := c.Publish(&Message{Topic: "a/b", QoS: QoS1})
	expectPacket[*PublishPacket](conn)

	keys, err := store.Keys("test-client")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	conn.conn.Close()
	assert.ErrorIs(t, tok.Wait(), ErrConnectionLost)
	events.waitFor(t, ErrConnectionLost)

	conn2 := b.accept()
	connect := conn2.handshake(false)
	assert.True(t, connect.CleanStart)
	events.waitFor(t, ErrConnected)

	keys, err = store.Keys("test-client")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, c.InFlight())

	sub := c.Subscribe("x/y", QoS0, nil)
	sp := expectPacket[*SubscribePacket](conn2)
	conn2.send(&SubackPacket{PacketID: sp.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS0}})
	require.NoError(t, sub.Wait())
}

// hookStore runs beforePut ahead of every Put.
type hookStore struct {
	Store
	beforePut func(key string)
}

func (s *hookStore) Put(namespace, key string, rec *Record) error {
	if s.beforePut != nil {
		s.beforePut(key)
	}
	return s.Store.Put(namespace, key, rec)
}

// dropBeforeSend closes the broker side when the client stores an outbound
// PUBLISH, and waits until the client has seen the loss.
func dropBeforeSend(t *testing.T, c *Client, conn *brokerConn, want ConnectionState) func(string) {
	return func(key string) {
		if !strings.HasPrefix(key, "s-") {
			return
		}
		conn.conn.Close()
		require.Eventually(t, func() bool { return c.State() == want }, testTimeout, time.Millisecond)
	}
}

func TestClientPublishLostBeforeWrite(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	store := &hookStore{Store: NewMemoryStore()}
	c := newTestClient(t, b, WithStore(store))
	conn := connectClient(t, c, b)

	store.beforePut = dropBeforeSend(t, c, conn, StateDisconnected)
	tok := c.Publish(&Message{Topic: "a/b", QoS: QoS1})

	require.True(t, tok.WaitTimeout(testTimeout), "publish must resolve after the connection is gone")
	assert.ErrorIs(t, tok.Error(), ErrConnectionLost)
	assert.Empty(t, c.PendingTokens())
}

func TestClientPublishLostBeforeWriteResumes(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	store := &hookStore{Store: NewMemoryStore()}
	c := newTestClient(t, b, WithStore(store), WithCleanSession(false), WithAutoReconnect(true))
	conn := connectClient(t, c, b)

	store.beforePut = dropBeforeSend(t, c, conn, StateReconnecting)
	tok := c.Publish(&Message{Topic: "a/b", QoS: QoS1})
	store.beforePut = nil
	assert.False(t, tok.IsComplete())

	conn2 := b.accept()
	conn2.handshake(true)

	resent := expectPacket[*PublishPacket](conn2)
	assert.Equal(t, tok.PacketID(), resent.PacketID)
	conn2.send(&PubackPacket{ackFields{PacketID: resent.PacketID}})
	require.NoError(t, tok.Wait())
}

func TestClientPublishTooLarge(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	tok := c.Connect(context.Background())
	conn := b.accept()
	expectPacket[*ConnectPacket](conn)
	connack := &ConnackPacket{}
	connack.Props.Set(PropMaximumPacketSize, uint32(64))
	conn.send(connack)
	require.NoError(t, tok.Wait())

	pub := c.Publish(&Message{Topic: "a/b", Payload: make([]byte, 128), QoS: QoS1})
	assert.ErrorIs(t, pub.Wait(), ErrPacketTooLarge)
	assert.Empty(t, c.InFlight())
	assert.True(t, c.IsConnected())

	small := c.Publish(&Message{Topic: "a/b", QoS: QoS1})
	got := expectPacket[*PublishPacket](conn)
	conn.send(&PubackPacket{ackFields{PacketID: got.PacketID}})
	require.NoError(t, small.Wait())
}

func TestClientResumesAfterRestart(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	store := NewMemoryStore()
	opts := []Option{WithStore(store), WithCleanStart(false), WithSessionExpiryInterval(60)}

	first := newTestClient(t, b, opts...)
	conn := connectClient(t, first, b)

	tok := first.Publish(&Message{Topic: "a/b", Payload: []byte("durable"), QoS: QoS1})
	pub := expectPacket[*PublishPacket](conn)

	require.NoError(t, first.Close())
	assert.ErrorIs(t, tok.Wait(), ErrConnectionLost)
	expectPacket[*DisconnectPacket](conn)

	second := newTestClient(t, b, opts...)
	ctok := second.Connect(context.Background())
	conn2 := b.accept()
	conn2.handshake(true)
	require.NoError(t, ctok.Wait())

	resent := expectPacket[*PublishPacket](conn2)
	assert.True(t, resent.DUP)
	assert.Equal(t, pub.PacketID, resent.PacketID)
	assert.Equal(t, []byte("durable"), resent.Payload)

	pending := second.PendingTokens()
	require.Len(t, pending, 1)
	assert.Equal(t, "a/b", pending[0].Message().Topic)

	conn2.send(&PubackPacket{ackFields{PacketID: resent.PacketID}})
	require.NoError(t, pending[0].Wait())
}

func TestClientResubscribesWithoutSession(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	c := newTestClient(t, b, WithAutoReconnect(true))
	conn := connectClient(t, c, b)

	sub := c.Subscribe("a/#", QoS1, func(*Message) {})
	sp := expectPacket[*SubscribePacket](conn)
	conn.send(&SubackPacket{PacketID: sp.PacketID, ReasonCodes: []ReasonCode{ReasonGrantedQoS1}})
	require.NoError(t, sub.Wait())

	conn.conn.Close()

	conn2 := b.accept()
	conn2.handshake(false)
	again := expectPacket[*SubscribePacket](conn2)
	require.Len(t, again.Subscriptions, 1)
	assert.Equal(t, "a/#", again.Subscriptions[0].TopicFilter)
	assert.Equal(t, QoS1, again.Subscriptions[0].QoS)
}

func TestClientMaxReconnects(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	events := make(eventLog, 32)
	c := newTestClient(t, b, WithAutoReconnect(true), WithMaxReconnects(2), OnEvent(events.handler()))
	conn := connectClient(t, c, b)

	b.refuse.Store(true)
	conn.conn.Close()

	events.waitFor(t, ErrReconnectFailed)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientKeepAlive(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	events := make(eventLog, 16)
	c := newTestClient(t, b, WithKeepAlive(1), OnEvent(events.handler()))
	conn := connectClient(t, c, b)

	expectPacket[*PingreqPacket](conn)
	conn.send(&PingrespPacket{})

	expectPacket[*PingreqPacket](conn)

	ev := events.waitFor(t, ErrConnectionLost)
	assert.ErrorIs(t, ev, ErrKeepAliveTimeout)
	conn.expectClosed()
}

func TestClientServerKeepAlive(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b, WithKeepAlive(600))

	tok := c.Connect(context.Background())
	conn := b.accept()
	expectPacket[*ConnectPacket](conn)
	connack := &ConnackPacket{}
	connack.Props.Set(PropServerKeepAlive, uint16(1))
	conn.send(connack)
	require.NoError(t, tok.Wait())

	expectPacket[*PingreqPacket](conn)
}

func TestClientServerDisconnect(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	events := make(eventLog, 16)
	c := newTestClient(t, b, OnEvent(events.handler()))
	conn := connectClient(t, c, b)

	conn.send(&DisconnectPacket{reasonBody{ReasonCode: ReasonServerShuttingDown}})

	ev := events.waitFor(t, ErrServerDisconnect)
	var discErr *DisconnectError
	require.ErrorAs(t, ev, &discErr)
	assert.True(t, discErr.Remote)
	assert.Equal(t, ReasonServerShuttingDown, discErr.ReasonCode)

	events.waitFor(t, ErrConnectionLost)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientProtocolViolation(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	conn := connectClient(t, c, b)

	conn.send(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "x"}}})

	disc := expectPacket[*DisconnectPacket](conn)
	assert.Equal(t, ReasonProtocolError, disc.ReasonCode)
	conn.expectClosed()
}

func TestClientTopicAliasInvalid(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	c := newTestClient(t, b)
	conn := connectClient(t, c, b)

	pub := &PublishPacket{Topic: "a"}
	pub.Props.Set(PropTopicAlias, uint16(1))
	conn.send(pub)

	disc := expectPacket[*DisconnectPacket](conn)
	assert.Equal(t, ReasonTopicAliasInvalid, disc.ReasonCode)
}

func TestClientDisconnect(t *testing.T) {
	b := newFakeBroker(t, ProtocolV5)
	events := make(eventLog, 16)
	c := newTestClient(t, b, OnEvent(events.handler()))
	conn := connectClient(t, c, b)

	sub := c.Subscribe("a", QoS0, nil)
	expectPacket[*SubscribePacket](conn)

	require.NoError(t, c.Disconnect().Wait())
	expectPacket[*DisconnectPacket](conn)
	conn.expectClosed()

	assert.ErrorIs(t, sub.Wait(), ErrConnectionLost)
	assert.Equal(t, StateDisconnected, c.State())
	events.waitFor(t, ErrDisconnected)

	assert.ErrorIs(t, c.Disconnect().Wait(), ErrNotConnected)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()).Wait(), ErrClientClosed)
}

func TestClientInterceptors(t *testing.T) {
	b := newFakeBroker(t, ProtocolV311)
	received := make(chan *Message, 1)
	c := newTestClient(t, b,
		WithProducerInterceptors(ProducerInterceptorFunc(func(msg *Message) *Message {
			if msg.Topic == "drop" {
				return nil
			}
			msg.Payload = append([]byte("p:"), msg.Payload...)
			return msg
		})),
		WithConsumerInterceptors(ConsumerInterceptorFunc(func(msg *Message) *Message {
			msg.Payload = append(msg.Payload, []byte(":c")...)
			return msg
		})),
		WithDefaultHandler(func(msg *Message) { received <- msg }),
	)
	conn := connectClient(t, c, b)

	require.NoError(t, c.Publish(&Message{Topic: "drop"}).Wait())
	require.NoError(t, c.Publish(&Message{Topic: "keep", Payload: []byte("x")}).Wait())
	assert.Equal(t, []byte("p:x"), expectPacket[*PublishPacket](conn).Payload)

	conn.send(&PublishPacket{Topic: "in", Payload: []byte("y")})
	select {
	case msg := <-received:
		assert.Equal(t, []byte("y:c"), msg.Payload)
	case <-time.After(testTimeout):
		t.Fatal("message not delivered")
	}
}

func TestDecodeErrorReason(t *testing.T) {
	tests := []struct {
		err  error
		want ReasonCode
	}{
		{ErrPacketTooLarge, ReasonPacketTooLarge},
		{ErrUnknownPacketType, ReasonProtocolError},
		{ErrDuplicateProperty, ReasonProtocolError},
		{ErrMalformedPacket, ReasonMalformedPacket},
		{ErrVarintMalformed, ReasonMalformedPacket},
		{ErrInvalidUTF8, ReasonMalformedPacket},
		{errors.New("connection reset"), ReasonSuccess},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, decodeErrorReason(tt.err), tt.err.Error())
	}
}

func TestTokenKeyID(t *testing.T) {
	id, ok := tokenKeyID(subscribeKey(12), "sub-")
	assert.True(t, ok)
	assert.Equal(t, uint16(12), id)

	_, ok = tokenKeyID(publishKey(12), "sub-")
	assert.False(t, ok)
	_, ok = tokenKeyID(connectKey, "pub-")
	assert.False(t, ok)
}
