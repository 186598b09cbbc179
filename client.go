package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// MessageHandler handles an inbound application message. Handlers run on
// the client's callback goroutine, one at a time.
type MessageHandler func(msg *Message)

type subscriptionEntry struct {
	sub     Subscription
	handler MessageHandler
}

// serverCaps are the limits the broker announced in CONNACK.
type serverCaps struct {
	maxQoS          byte
	retainAvailable bool
	maxPacketSize   uint32
	receiveMaximum  uint16
	keepAlive       uint16
}

// protocolError ends a connection with a v5 DISCONNECT carrying reason.
type protocolError struct {
	reason ReasonCode
	err    error
}

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

// Client is an asynchronous MQTT 3.1.1 and 5.0 client. Every operation
// returns a Token that completes when the broker has answered.
type Client struct {
	opts      *clientOptions
	clientID  string
	logger    Logger
	metrics   *clientMetrics
	state     connState
	session   *session
	tokens    *tokenRegistry
	callbacks *callbackQueue
	chain     *interceptorChain
	quota     *sendQuota
	aliases   *topicAliases

	subsMu sync.RWMutex
	subs   map[string]subscriptionEntry

	// mu guards the connection fields below and state changes that must
	// agree with them.
	mu            sync.Mutex
	conn          net.Conn
	gen           uint64
	stop          chan struct{}
	ka            *keepAlive
	caps          serverCaps
	server        string
	authState     any
	reconnectStop chan struct{}
	cancelAttempt context.CancelFunc

	// pubMu keeps PUBLISH packets on the wire in submission order and
	// holds new publishes back while a resumed session is retransmitted.
	pubMu   sync.Mutex
	writeMu sync.Mutex

	loops       sync.WaitGroup
	serverIndex atomic.Uint32
	closed      atomic.Bool
}

// NewClient validates the options and creates a disconnected client.
// Nothing touches the network until Connect.
func NewClient(opts ...Option) (*Client, error) {
	o := applyOptions(opts...)

	if !o.version.Valid() {
		return nil, ErrInvalidProtocolVersion
	}
	if len(o.servers) == 0 && o.serverResolver == nil {
		return nil, ErrNoServers
	}
	for _, s := range o.servers {
		if _, err := ParseBrokerURL(s); err != nil {
			return nil, err
		}
	}

	if o.clientID == "" {
		o.clientID = "mqttclient-" + xid.New().String()
	}
	if err := ValidateClientID(o.clientID); err != nil {
		return nil, fmt.Errorf("client ID: %w", err)
	}
	if err := ValidateNamespace(o.clientID); err != nil {
		return nil, fmt.Errorf("client ID: %w", err)
	}
	if o.will != nil {
		if err := o.will.Validate(); err != nil {
			return nil, fmt.Errorf("will: %w", err)
		}
	}

	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if o.logger == nil {
		o.logger = NewNoOpLogger()
	}
	if o.metrics == nil {
		o.metrics = NoOpMetrics{}
	}

	logger := o.logger.WithFields(LogFields{LogFieldClientID: o.clientID})
	c := &Client{
		opts:      o,
		clientID:  o.clientID,
		logger:    logger,
		metrics:   newClientMetrics(o.metrics),
		session:   newSession(o.clientID, o.store, o.version, o.logger),
		tokens:    newTokenRegistry(logger),
		callbacks: newCallbackQueue(logger),
		chain: &interceptorChain{
			producers: o.producerInterceptors,
			consumers: o.consumerInterceptors,
			logger:    logger,
		},
		quota:   newSendQuota(0),
		aliases: newTopicAliases(o.topicAliasMaximum),
		subs:    make(map[string]subscriptionEntry),
	}
	return c, nil
}

// ClientID returns the client identifier.
func (c *Client) ClientID() string { return c.clientID }

// State returns the connection state.
func (c *Client) State() ConnectionState { return c.state.get() }

// IsConnected reports whether the client is in the CONNECTED state.
func (c *Client) IsConnected() bool { return c.state.get() == StateConnected }

// Server returns the broker URL of the current or last connection.
func (c *Client) Server() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// InFlight returns snapshots of the QoS 1 and QoS 2 messages whose
// handshake has not finished.
func (c *Client) InFlight() []*InFlightEntry {
	return c.session.entries()
}

// PendingTokens returns the tokens of outbound messages still awaiting
// acknowledgement, including those recreated for a resumed session.
func (c *Client) PendingTokens() []*PublishToken {
	return c.tokens.publishTokens()
}

// Connect starts connecting and returns immediately. ctx bounds the
// attempt together with the connect timeout; it does not limit the
// lifetime of the connection.
func (c *Client) Connect(ctx context.Context, opts ...CallOption) *ConnectToken {
	co := applyCallOptions(opts)
	tok := newConnectToken(c.callbacks, co.userCtx)

	if c.closed.Load() {
		tok.complete(ErrClientClosed)
		return tok
	}

	c.mu.Lock()
	if !c.state.transition(StateDisconnected, StateConnecting) {
		c.mu.Unlock()
		tok.complete(ErrAlreadyConnected)
		return tok
	}
	c.reconnectStop = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("connecting", nil)

	go func() {
		connack, err := c.establish(ctx, true)
		if err != nil {
			c.mu.Lock()
			c.state.transition(StateConnecting, StateDisconnected)
			c.mu.Unlock()
			c.logger.Error("connect failed", LogFields{LogFieldError: err})
			tok.complete(err)
			return
		}
		tok.setResult(connack.SessionPresent, connack.ReasonCode)
		tok.complete(nil)
		c.onConnected(connack)
	}()

	return tok
}

// establish dials the next server and runs the CONNECT handshake. On
// success the connection is live, its loops run and any resumed session
// state has been retransmitted.
func (c *Client) establish(parent context.Context, initial bool) (*ConnackPacket, error) {
	ctx, cancel := context.WithTimeout(parent, c.opts.connectTimeout)
	c.mu.Lock()
	c.cancelAttempt = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancelAttempt = nil
		c.mu.Unlock()
	}()

	server, u, err := c.nextServer(ctx)
	if err != nil {
		return nil, err
	}

	clean := c.opts.cleanFlag(initial)
	if err := c.prepareSession(clean); err != nil {
		return nil, err
	}

	dialer, err := c.opts.dialerFor(u)
	if err != nil {
		return nil, err
	}
	conn, err := dialer.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}

	reader := newPacketReader(conn, c.opts.version, c.opts.maxPacketSize)
	connack, err := c.handshake(ctx, conn, reader, clean)
	if err != nil {
		conn.Close()
		return nil, err
	}

	caps, err := c.capabilities(connack)
	if err != nil {
		if c.opts.version == ProtocolV5 {
			WritePacket(conn, &DisconnectPacket{reasonBody{ReasonCode: ReasonProtocolError}}, c.opts.version, 0)
		}
		conn.Close()
		return nil, err
	}

	if !connack.SessionPresent && c.opts.persistent() {
		if n := c.session.dropInbound(); n > 0 {
			c.logger.Warn("broker lost the session, dropping inbound state", LogFields{"count": n})
		}
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if !c.state.transitionFrom(StateConnected, StateConnecting, StateReconnecting) {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrDisconnected
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.stop = make(chan struct{})
	c.ka = newKeepAlive(caps.keepAlive, c.opts.keepAliveGrace)
	c.caps = caps
	c.server = server
	stop, ka := c.stop, c.ka
	c.loops.Add(2)
	c.mu.Unlock()

	c.aliases.clear()
	c.quota.reset(caps.receiveMaximum, c.session.outboundCount())

	go c.readLoop(gen, reader, ka, stop)
	go c.keepAliveLoop(gen, ka, stop)

	c.resume(gen)
	return connack, nil
}

// prepareSession discards or restores the local session before CONNECT.
// A store failure here fails the attempt.
func (c *Client) prepareSession(clean bool) error {
	if clean || !c.opts.persistent() {
		c.tokens.failAll(NewConnectionLostError(nil), func(key string) bool {
			return !strings.HasPrefix(key, "pub-")
		})
		return c.session.reset()
	}
	return c.session.restore()
}

func (c *Client) connectPacket(ctx context.Context, clean bool) (*ConnectPacket, error) {
	o := c.opts
	pkt := &ConnectPacket{
		ProtocolVersion: o.version,
		ClientID:        c.clientID,
		CleanStart:      clean,
		KeepAlive:       o.keepAlive,
		Username:        o.username,
		Password:        o.password,
	}
	o.will.apply(pkt)

	if o.version != ProtocolV5 {
		if pkt.Username == "" {
			pkt.Password = nil
		}
		pkt.WillProps = Properties{}
		return pkt, nil
	}

	if o.sessionExpiryInterval > 0 {
		pkt.Props.Set(PropSessionExpiryInterval, o.sessionExpiryInterval)
	}
	if o.receiveMaximum > 0 && o.receiveMaximum < 65535 {
		pkt.Props.Set(PropReceiveMaximum, o.receiveMaximum)
	}
	if o.maxPacketSize > 0 {
		pkt.Props.Set(PropMaximumPacketSize, o.maxPacketSize)
	}
	if o.topicAliasMaximum > 0 {
		pkt.Props.Set(PropTopicAliasMaximum, o.topicAliasMaximum)
	}
	for _, up := range o.userProperties {
		pkt.Props.Add(PropUserProperty, up)
	}

	if o.enhancedAuth != nil {
		res, err := o.enhancedAuth.AuthStart(ctx)
		if err != nil {
			return nil, fmt.Errorf("enhanced auth start: %w", err)
		}
		pkt.Props.Set(PropAuthenticationMethod, o.enhancedAuth.AuthMethod())
		if len(res.AuthData) > 0 {
			pkt.Props.Set(PropAuthenticationData, res.AuthData)
		}
		c.mu.Lock()
		c.authState = res.State
		c.mu.Unlock()
	}
	return pkt, nil
}

// handshake sends CONNECT and reads until CONNACK, answering any AUTH
// challenges on the way.
func (c *Client) handshake(ctx context.Context, conn net.Conn, reader *packetReader, clean bool) (*ConnackPacket, error) {
	pkt, err := c.connectPacket(ctx, clean)
	if err != nil {
		return nil, err
	}

	stopWatch := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if stopWatch() {
			conn.SetDeadline(noDeadline)
		}
	}()

	if _, err := WritePacket(conn, pkt, c.opts.version, 0); err != nil {
		return nil, c.handshakeError(ctx, "send CONNECT", err)
	}

	for {
		next, err := reader.Next()
		if err != nil {
			return nil, c.handshakeError(ctx, "read CONNACK", err)
		}

		switch p := next.(type) {
		case *ConnackPacket:
			if p.ReasonCode.IsError() {
				return nil, NewConnectError(p.ReasonCode)
			}
			if err := c.finishAuth(ctx, p.Props.GetBinary(PropAuthenticationData)); err != nil {
				return nil, err
			}
			return p, nil
		case *AuthPacket:
			resp, err := c.continueAuth(ctx, p)
			if err != nil {
				return nil, err
			}
			if resp == nil {
				continue
			}
			if _, err := WritePacket(conn, resp, c.opts.version, 0); err != nil {
				return nil, c.handshakeError(ctx, "send AUTH", err)
			}
		default:
			return nil, fmt.Errorf("%w: expected CONNACK, got %s", ErrProtocolViolation, next.Type())
		}
	}
}

func (c *Client) handshakeError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrConnectTimeout)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}

// continueAuth answers an AUTH packet. A nil packet means nothing is sent.
func (c *Client) continueAuth(ctx context.Context, p *AuthPacket) (*AuthPacket, error) {
	auth := c.opts.enhancedAuth
	if auth == nil {
		return nil, &protocolError{ReasonProtocolError, fmt.Errorf("%w: unexpected AUTH", ErrProtocolViolation)}
	}

	c.mu.Lock()
	state := c.authState
	c.mu.Unlock()

	var (
		res *ClientEnhancedAuthResult
		err error
	)
	switch p.ReasonCode {
	case ReasonSuccess:
		if err := c.finishAuth(ctx, p.Props.GetBinary(PropAuthenticationData)); err != nil {
			return nil, &protocolError{ReasonNotAuthorized, err}
		}
		return nil, nil
	case ReasonContinueAuth:
		res, err = auth.AuthContinue(ctx, &ClientEnhancedAuthContext{
			AuthMethod: p.Props.GetString(PropAuthenticationMethod),
			AuthData:   p.Props.GetBinary(PropAuthenticationData),
			ReasonCode: p.ReasonCode,
			State:      state,
		})
	case ReasonReAuth:
		res, err = auth.AuthStart(ctx)
	default:
		return nil, NewConnectError(p.ReasonCode)
	}
	if err != nil {
		return nil, &protocolError{ReasonNotAuthorized, fmt.Errorf("%w: %w", ErrAuthFailed, err)}
	}

	c.mu.Lock()
	c.authState = res.State
	c.mu.Unlock()

	resp := &AuthPacket{reasonBody{ReasonCode: p.ReasonCode}}
	resp.Props.Set(PropAuthenticationMethod, auth.AuthMethod())
	if len(res.AuthData) > 0 {
		resp.Props.Set(PropAuthenticationData, res.AuthData)
	}
	return resp, nil
}

// finishAuth hands the final auth data of a successful exchange to the
// authenticator so it can verify the broker.
func (c *Client) finishAuth(ctx context.Context, data []byte) error {
	auth := c.opts.enhancedAuth
	c.mu.Lock()
	state := c.authState
	c.authState = nil
	c.mu.Unlock()

	if auth == nil || len(data) == 0 {
		return nil
	}
	_, err := auth.AuthContinue(ctx, &ClientEnhancedAuthContext{
		AuthMethod: auth.AuthMethod(),
		AuthData:   data,
		ReasonCode: ReasonSuccess,
		State:      state,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return nil
}

// capabilities reads the broker limits from CONNACK.
func (c *Client) capabilities(connack *ConnackPacket) (serverCaps, error) {
	caps := serverCaps{
		maxQoS:          QoS2,
		retainAvailable: true,
		receiveMaximum:  65535,
		keepAlive:       c.opts.keepAlive,
	}
	if c.opts.version != ProtocolV5 {
		return caps, nil
	}

	props := &connack.Props
	if id := props.GetString(PropAssignedClientIdentifier); id != "" && id != c.clientID {
		c.logger.Warn("broker assigned a different client ID", LogFields{"assigned": id})
	}
	if props.Has(PropServerKeepAlive) {
		caps.keepAlive = props.GetUint16(PropServerKeepAlive)
	}
	if props.Has(PropMaximumPacketSize) {
		size := props.GetUint32(PropMaximumPacketSize)
		if size == 0 {
			return caps, fmt.Errorf("%w: maximum packet size 0", ErrProtocolViolation)
		}
		caps.maxPacketSize = size
	}
	if props.Has(PropReceiveMaximum) {
		rm := props.GetUint16(PropReceiveMaximum)
		if rm == 0 {
			return caps, fmt.Errorf("%w: receive maximum 0", ErrProtocolViolation)
		}
		caps.receiveMaximum = rm
	}
	if props.Has(PropMaximumQoS) {
		q := props.GetByte(PropMaximumQoS)
		if q > QoS1 {
			return caps, fmt.Errorf("%w: maximum QoS %d", ErrProtocolViolation, q)
		}
		caps.maxQoS = q
	}
	if props.Has(PropRetainAvailable) {
		caps.retainAvailable = props.GetByte(PropRetainAvailable) == 1
	}
	return caps, nil
}

// resume retransmits the in-flight state of a persistent session and
// recreates tokens for entries that were restored from the store.
func (c *Client) resume(gen uint64) {
	if !c.opts.persistent() {
		return
	}

	for _, e := range c.session.entries() {
		if e.Direction != Outbound {
			continue
		}
		key := publishKey(e.PacketID)
		if _, ok := c.tokens.get(key); ok {
			continue
		}
		tok := newPublishToken(c.callbacks, e.Message, nil)
		tok.setPacketID(e.PacketID)
		c.tokens.register(key, tok)
	}

	pkts := c.session.pendingPackets()
	for _, pkt := range pkts {
		if err := c.writePacket(gen, pkt); err != nil {
			c.logger.Warn("resend interrupted", LogFields{LogFieldError: err})
			return
		}
		if comp, ok := pkt.(*PubcompPacket); ok {
			c.session.completeInbound(comp.PacketID)
		}
	}
	if len(pkts) > 0 {
		c.metrics.resent(len(pkts))
		c.logger.Info("resent in-flight packets", LogFields{"count": len(pkts)})
	}
}

func (c *Client) onConnected(connack *ConnackPacket) {
	server := c.Server()
	c.metrics.connected()
	c.logger.Info("connected", LogFields{
		LogFieldServer:    server,
		"session_present": connack.SessionPresent,
	})
	c.emit(NewConnectedEvent(server, connack.SessionPresent))

	if !connack.SessionPresent && c.opts.resubscribe {
		c.resubscribe()
	}
}

// nextServer picks the next broker round-robin, asking the resolver first.
func (c *Client) nextServer(ctx context.Context) (string, *url.URL, error) {
	servers := c.opts.servers
	if c.opts.serverResolver != nil {
		resolved, err := c.opts.serverResolver(ctx)
		if err != nil {
			c.logger.Warn("server resolver failed", LogFields{LogFieldError: err})
		} else if len(resolved) > 0 {
			servers = resolved
		}
	}
	if len(servers) == 0 {
		return "", nil, ErrNoServers
	}

	idx := c.serverIndex.Add(1) - 1
	server := servers[idx%uint32(len(servers))]
	u, err := ParseBrokerURL(server)
	if err != nil {
		return "", nil, err
	}
	return server, u, nil
}

// Disconnect sends DISCONNECT, closes the connection and stops any
// reconnect loop. Tokens still pending fail with ErrConnectionLost; a
// persistent session keeps its in-flight state for the next Connect.
func (c *Client) Disconnect(opts ...CallOption) *DisconnectToken {
	co := applyCallOptions(opts)
	tok := newDisconnectToken(c.callbacks, co.userCtx)

	c.mu.Lock()
	prev := c.state.get()
	if !c.state.transitionFrom(StateDisconnecting, StateConnected, StateConnecting, StateReconnecting) {
		c.mu.Unlock()
		tok.complete(ErrNotConnected)
		return tok
	}
	if c.reconnectStop != nil {
		close(c.reconnectStop)
		c.reconnectStop = nil
	}
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
	c.mu.Unlock()

	c.logger.Info("disconnecting", LogFields{LogFieldState: prev.String()})
	go c.shutdown(tok, prev == StateConnected)
	return tok
}

func (c *Client) shutdown(tok *DisconnectToken, graceful bool) {
	if graceful {
		if err := c.writePacket(0, &DisconnectPacket{}); err != nil {
			c.logger.Debug("DISCONNECT not sent", LogFields{LogFieldError: err})
		}
	}

	c.mu.Lock()
	conn := c.detach()
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.loops.Wait()

	c.failPending(NewConnectionLostError(ErrDisconnected), false)

	c.mu.Lock()
	c.state.set(StateDisconnected)
	c.mu.Unlock()

	c.logger.Info("disconnected", nil)
	c.emit(NewDisconnectError(ReasonSuccess, false))
	tok.complete(nil)
}

// Close disconnects and stops the callback goroutine once queued callbacks
// have run. The client cannot be used afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	<-c.Disconnect().Done()
	c.callbacks.close()
	return nil
}

// detach forgets the current connection. c.mu must be held.
func (c *Client) detach() net.Conn {
	conn := c.conn
	if conn == nil {
		return nil
	}
	c.conn = nil
	close(c.stop)
	return conn
}

// connectionLost tears down connection gen after a transport, decode or
// keep-alive failure. It is a no-op for stale generations and during
// Disconnect.
func (c *Client) connectionLost(gen uint64, cause error) {
	next := StateDisconnected
	if c.opts.autoReconnect {
		next = StateReconnecting
	}

	c.mu.Lock()
	if gen != c.gen || c.conn == nil || !c.state.transition(StateConnected, next) {
		c.mu.Unlock()
		return
	}
	conn := c.detach()
	c.mu.Unlock()
	conn.Close()

	c.logger.Warn("connection lost", LogFields{LogFieldError: cause})
	c.metrics.connectionLost()

	lost := NewConnectionLostError(cause)
	c.failPending(lost, next == StateReconnecting)
	c.emit(lost)

	if next == StateReconnecting {
		go c.reconnectLoop(cause)
	}
}

// failPending fails outstanding tokens. Publishes whose entries will be
// retransmitted by a persistent session stay pending when resuming.
func (c *Client) failPending(err error, resuming bool) {
	keepPublishes := resuming && c.opts.persistent()
	keys := c.tokens.failAll(err, func(key string) bool {
		if key == connectKey || key == disconnectKey {
			return true
		}
		id, ok := tokenKeyID(key, "pub-")
		return ok && keepPublishes && c.session.hasOutbound(id)
	})

	for _, key := range keys {
		if id, ok := tokenKeyID(key, "sub-"); ok {
			c.session.releaseID(id)
		} else if id, ok := tokenKeyID(key, "unsub-"); ok {
			c.session.releaseID(id)
		}
	}
}

func tokenKeyID(key, prefix string) (uint16, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 16)
	return uint16(n), err == nil
}

func (c *Client) reconnectLoop(cause error) {
	c.mu.Lock()
	stop := c.reconnectStop
	c.mu.Unlock()
	if stop == nil {
		return
	}

	backoff := c.opts.reconnectBackoff
	for attempt := 1; ; attempt++ {
		if c.opts.maxReconnects > 0 && attempt > c.opts.maxReconnects {
			c.mu.Lock()
			gaveUp := c.state.transition(StateReconnecting, StateDisconnected)
			c.mu.Unlock()
			if gaveUp {
				err := fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, attempt-1, cause)
				c.logger.Error("giving up reconnecting", LogFields{LogFieldError: err})
				c.failPending(err, false)
				c.emit(err)
			}
			return
		}

		c.logger.Info("reconnecting", LogFields{LogFieldAttempt: attempt, LogFieldDelay: backoff.String()})
		c.metrics.reconnectAttempt()
		c.emit(NewReconnectEvent(attempt, backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		if c.state.get() != StateReconnecting {
			return
		}

		connack, err := c.establish(context.Background(), false)
		if err == nil {
			c.onConnected(connack)
			return
		}
		cause = err
		c.logger.Warn("reconnect attempt failed", LogFields{LogFieldAttempt: attempt, LogFieldError: err})

		if c.opts.backoffStrategy != nil {
			backoff = c.opts.backoffStrategy(attempt, backoff, err)
		} else {
			backoff *= 2
		}
		if backoff > c.opts.maxBackoff {
			backoff = c.opts.maxBackoff
		}
		if backoff <= 0 {
			backoff = c.opts.reconnectBackoff
		}
	}
}

// Publish sends msg. QoS 0 tokens complete once the packet is written,
// QoS 1 on PUBACK and QoS 2 on PUBCOMP. While a persistent session is
// reconnecting, QoS 1 and QoS 2 messages are stored and sent after the
// handshake.
func (c *Client) Publish(msg *Message, opts ...CallOption) *PublishToken {
	co := applyCallOptions(opts)

	if msg == nil {
		tok := newPublishToken(c.callbacks, nil, co.userCtx)
		tok.complete(ErrInvalidTopic)
		return tok
	}

	msg = c.chain.send(msg.Clone())
	tok := newPublishToken(c.callbacks, msg, co.userCtx)
	if msg == nil {
		tok.complete(nil)
		return tok
	}

	if err := c.validatePublish(msg); err != nil {
		tok.complete(err)
		return tok
	}

	if c.opts.publishLimiter != nil {
		if err := c.opts.publishLimiter.Wait(co.ctx); err != nil {
			tok.complete(err)
			return tok
		}
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if msg.QoS == QoS0 {
		c.publishQoS0(tok, msg)
	} else {
		c.publishTracked(tok, msg)
	}
	return tok
}

func (c *Client) validatePublish(msg *Message) error {
	if err := ValidateTopicName(msg.Topic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if msg.QoS > QoS2 {
		return ErrInvalidQoS
	}

	c.mu.Lock()
	caps, connected := c.caps, c.conn != nil
	c.mu.Unlock()

	if connected && msg.QoS > caps.maxQoS {
		return ErrQoSNotSupported
	}
	if connected && msg.Retain && !caps.retainAvailable {
		return ErrRetainUnsupported
	}
	return nil
}

func (c *Client) publishQoS0(tok *PublishToken, msg *Message) {
	if c.state.get() != StateConnected {
		tok.complete(ErrNotConnected)
		return
	}

	pkt := &PublishPacket{}
	pkt.FromMessage(msg)
	err := c.writePacket(0, pkt)
	if err == nil {
		c.metrics.messageSent(QoS0)
	}
	tok.complete(err)
}

// publishTracked stores a QoS 1 or QoS 2 message before it is written.
// c.pubMu must be held.
func (c *Client) publishTracked(tok *PublishToken, msg *Message) {
	state := c.state.get()
	transmit := state == StateConnected
	if !transmit && (state != StateReconnecting || !c.opts.persistent()) {
		tok.complete(ErrNotConnected)
		return
	}
	if transmit && !c.quota.tryAcquire() {
		tok.complete(ErrQuotaExceeded)
		return
	}

	pkt, err := c.session.beginPublish(msg, transmit)
	if err != nil {
		if transmit {
			c.quota.release()
		}
		c.logger.Error("publish not stored", LogFields{LogFieldTopic: msg.Topic, LogFieldError: err})
		tok.complete(err)
		return
	}

	id := pkt.PacketID
	tok.setPacketID(id)
	c.tokens.register(publishKey(id), tok)
	c.metrics.inFlight(c.session.outboundCount())

	if !transmit {
		c.logger.Debug("publish queued until reconnect", LogFields{LogFieldPacketID: id, LogFieldTopic: msg.Topic})
		return
	}

	if err := c.writePacket(0, pkt); err != nil {
		c.publishWriteFailed(id, err)
		return
	}
	c.metrics.messageSent(msg.QoS)
}

// publishWriteFailed settles a tracked publish whose write failed. The
// token stays pending only when a persistent session is reconnecting and
// will resend the entry. The connection may have been lost before the
// token was registered, so failPending cannot be relied on here.
func (c *Client) publishWriteFailed(id uint16, err error) {
	switch state := c.state.get(); {
	case state == StateConnected:
		// Rejected before reaching the wire, e.g. ErrPacketTooLarge.
		c.session.abortPublish(id)
		c.quota.release()
	case state == StateReconnecting && c.opts.persistent():
		return
	default:
		err = NewConnectionLostError(err)
	}
	if t, ok := c.tokens.take(publishKey(id)); ok {
		t.complete(err)
	}
}

// Subscribe subscribes to one filter. handler may be nil, in which case
// matching messages go to the default handler.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler, opts ...CallOption) *SubscribeToken {
	return c.SubscribeMultiple([]Subscription{{TopicFilter: filter, QoS: qos}}, handler, opts...)
}

// SubscribeMultiple sends one SUBSCRIBE for all subs. The token fails with
// a SubscribeError for every filter the broker refuses.
func (c *Client) SubscribeMultiple(subs []Subscription, handler MessageHandler, opts ...CallOption) *SubscribeToken {
	co := applyCallOptions(opts)
	return c.subscribe(subs, handler, co.userCtx)
}

func (c *Client) subscribe(subs []Subscription, handler MessageHandler, userCtx any) *SubscribeToken {
	subs = slices.Clone(subs)
	filters := make([]string, len(subs))
	for i, s := range subs {
		filters[i] = s.TopicFilter
	}
	tok := newSubscribeToken(c.callbacks, filters, userCtx)

	if len(subs) == 0 {
		tok.complete(ErrInvalidTopicFilter)
		return tok
	}
	for _, s := range subs {
		if err := ValidateTopicFilter(s.TopicFilter); err != nil {
			tok.complete(fmt.Errorf("%w: %q: %w", ErrInvalidTopic, s.TopicFilter, err))
			return tok
		}
		if s.QoS > QoS2 {
			tok.complete(ErrInvalidQoS)
			return tok
		}
	}

	if c.state.get() != StateConnected {
		tok.complete(ErrNotConnected)
		return tok
	}

	id, err := c.session.allocateID()
	if err != nil {
		tok.complete(err)
		return tok
	}

	pkt := &SubscribePacket{PacketID: id, Subscriptions: subs}
	if c.opts.version == ProtocolV5 {
		for _, s := range subs {
			if s.SubscriptionID > 0 {
				pkt.Props.Set(PropSubscriptionIdentifier, s.SubscriptionID)
				break
			}
		}
	}

	c.subsMu.Lock()
	for _, s := range subs {
		c.subs[s.TopicFilter] = subscriptionEntry{sub: s, handler: handler}
	}
	c.subsMu.Unlock()

	c.tokens.register(subscribeKey(id), tok)
	if err := c.writePacket(0, pkt); err != nil {
		c.abortOperation(subscribeKey(id), id, err)
	}
	return tok
}

// resubscribe restores subscriptions on a broker that kept no session.
func (c *Client) resubscribe() {
	c.subsMu.RLock()
	subs := make([]Subscription, 0, len(c.subs))
	for _, e := range c.subs {
		subs = append(subs, e.sub)
	}
	c.subsMu.RUnlock()

	if len(subs) == 0 {
		return
	}
	slices.SortFunc(subs, func(a, b Subscription) int { return strings.Compare(a.TopicFilter, b.TopicFilter) })

	pkt := &SubscribePacket{Subscriptions: subs}
	filters := make([]string, len(subs))
	for i, s := range subs {
		filters[i] = s.TopicFilter
	}
	tok := newSubscribeToken(c.callbacks, filters, nil)

	id, err := c.session.allocateID()
	if err != nil {
		c.logger.Error("resubscribe failed", LogFields{LogFieldError: err})
		return
	}
	pkt.PacketID = id
	tok.OnComplete(func(t Token) {
		if err := t.Error(); err != nil {
			c.logger.Warn("resubscribe failed", LogFields{LogFieldError: err})
			c.emit(err)
		}
	})

	c.tokens.register(subscribeKey(id), tok)
	if err := c.writePacket(0, pkt); err != nil {
		c.abortOperation(subscribeKey(id), id, err)
		return
	}
	c.logger.Info("resubscribed", LogFields{"count": len(subs)})
}

// Unsubscribe removes subscriptions. Handlers are dropped once the broker
// confirms.
func (c *Client) Unsubscribe(filters []string, opts ...CallOption) *UnsubscribeToken {
	co := applyCallOptions(opts)
	filters = slices.Clone(filters)
	tok := newUnsubscribeToken(c.callbacks, filters, co.userCtx)

	if len(filters) == 0 {
		tok.complete(ErrInvalidTopicFilter)
		return tok
	}
	for _, f := range filters {
		if err := ValidateTopicFilter(f); err != nil {
			tok.complete(fmt.Errorf("%w: %q: %w", ErrInvalidTopic, f, err))
			return tok
		}
	}

	if c.state.get() != StateConnected {
		tok.complete(ErrNotConnected)
		return tok
	}

	id, err := c.session.allocateID()
	if err != nil {
		tok.complete(err)
		return tok
	}

	c.tokens.register(unsubscribeKey(id), tok)
	if err := c.writePacket(0, &UnsubscribePacket{PacketID: id, TopicFilters: filters}); err != nil {
		c.abortOperation(unsubscribeKey(id), id, err)
	}
	return tok
}

// abortOperation fails a SUBSCRIBE or UNSUBSCRIBE that was never written,
// unless connection loss has already failed it.
func (c *Client) abortOperation(key string, id uint16, err error) {
	if _, ok := c.tokens.get(key); !ok {
		return
	}
	if t, ok := c.tokens.take(key); ok {
		c.session.releaseID(id)
		t.complete(err)
	}
}

// writePacket encodes pkt and writes it to connection gen, or to the
// current connection when gen is zero. A write failure ends the connection.
func (c *Client) writePacket(gen uint64, pkt Packet) error {
	c.mu.Lock()
	if gen == 0 {
		gen = c.gen
	}
	conn, ka, limit := c.conn, c.ka, c.caps.maxPacketSize
	stale := gen != c.gen
	c.mu.Unlock()

	if conn == nil || stale {
		return ErrNotConnected
	}

	data, err := EncodePacket(pkt, c.opts.version)
	if err != nil {
		return err
	}
	if limit > 0 && uint32(len(data)) > limit {
		return ErrPacketTooLarge
	}

	c.writeMu.Lock()
	if c.opts.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	_, err = conn.Write(data)
	if c.opts.writeTimeout > 0 {
		conn.SetWriteDeadline(noDeadline)
	}
	c.writeMu.Unlock()

	if err != nil {
		c.connectionLost(gen, err)
		return err
	}

	ka.sent()
	c.metrics.packetSent(pkt.Type())
	return nil
}

func (c *Client) sendDisconnect(gen uint64, reason ReasonCode) {
	if c.opts.version != ProtocolV5 || reason == ReasonSuccess {
		return
	}
	if err := c.writePacket(gen, &DisconnectPacket{reasonBody{ReasonCode: reason}}); err != nil {
		c.logger.Debug("DISCONNECT not sent", LogFields{LogFieldError: err})
	}
}

// emit hands an event to the event handler on the callback goroutine.
func (c *Client) emit(event error) {
	handler := c.opts.onEvent
	if handler == nil {
		return
	}
	if !c.callbacks.push(func() { handler(c, event) }) {
		go handler(c, event)
	}
}

// readLoop is the dispatcher of one connection. It exits when the
// connection fails or is replaced.
func (c *Client) readLoop(gen uint64, reader *packetReader, ka *keepAlive, stop <-chan struct{}) {
	defer c.loops.Done()

	for {
		pkt, err := reader.Next()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.sendDisconnect(gen, decodeErrorReason(err))
			c.connectionLost(gen, err)
			return
		}

		ka.received()
		c.metrics.packetReceived(pkt.Type())

		if err := c.handlePacket(gen, pkt); err != nil {
			var pe *protocolError
			if errors.As(err, &pe) {
				c.sendDisconnect(gen, pe.reason)
			}
			c.connectionLost(gen, err)
			return
		}
	}
}

// handlePacket routes one inbound packet. An error ends the connection.
func (c *Client) handlePacket(gen uint64, pkt Packet) error {
	switch p := pkt.(type) {
	case *PublishPacket:
		return c.handlePublish(gen, p)
	case *PubackPacket:
		if e := c.session.handlePuback(p.PacketID); e != nil {
			c.completePublish(e, p.ReasonCode)
		}
	case *PubrecPacket:
		rel, e, err := c.session.handlePubrec(p.PacketID, p.ReasonCode)
		if err != nil {
			c.logger.Error("PUBREL not stored", LogFields{LogFieldPacketID: p.PacketID, LogFieldError: err})
			c.emit(err)
			return nil
		}
		if e != nil {
			c.completePublish(e, p.ReasonCode)
		}
		if rel != nil {
			c.writePacket(gen, rel)
		}
	case *PubrelPacket:
		known := c.session.handlePubrel(p.PacketID)
		comp := &PubcompPacket{ackFields{PacketID: p.PacketID}}
		if !known && c.opts.version == ProtocolV5 {
			comp.ReasonCode = ReasonPacketIDNotFound
		}
		if c.writePacket(gen, comp) == nil && known {
			c.session.completeInbound(p.PacketID)
		}
	case *PubcompPacket:
		if e := c.session.handlePubcomp(p.PacketID); e != nil {
			c.completePublish(e, p.ReasonCode)
		}
	case *SubackPacket:
		c.handleSuback(p)
	case *UnsubackPacket:
		c.handleUnsuback(p)
	case *PingrespPacket:
	case *DisconnectPacket:
		c.logger.Warn("broker sent DISCONNECT", LogFields{LogFieldReasonCode: p.ReasonCode.String()})
		c.emit(NewDisconnectError(p.ReasonCode, true))
		return fmt.Errorf("%w: %s", ErrServerDisconnect, p.ReasonCode)
	case *AuthPacket:
		resp, err := c.continueAuth(context.Background(), p)
		if err != nil {
			return err
		}
		if resp != nil {
			c.writePacket(gen, resp)
		}
	default:
		return &protocolError{ReasonProtocolError, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, pkt.Type())}
	}
	return nil
}

func (c *Client) handlePublish(gen uint64, p *PublishPacket) error {
	if c.opts.version == ProtocolV5 {
		if err := c.aliases.resolve(p); err != nil {
			return &protocolError{ReasonTopicAliasInvalid, err}
		}
	}
	if p.Topic == "" {
		return &protocolError{ReasonProtocolError, ErrEmptyTopic}
	}
	c.metrics.messageReceived(p.QoS)

	switch p.QoS {
	case QoS0:
		c.deliver(p.ToMessage())
	case QoS1:
		c.deliver(p.ToMessage())
		c.writePacket(gen, &PubackPacket{ackFields{PacketID: p.PacketID}})
	case QoS2:
		first, err := c.session.receivePublish(p)
		if err != nil {
			// no PUBREC, so the broker delivers again after a reconnect
			c.logger.Error("inbound publish not stored", LogFields{LogFieldPacketID: p.PacketID, LogFieldError: err})
			c.emit(err)
			return nil
		}
		if first {
			c.deliver(p.ToMessage())
		}
		if c.writePacket(gen, &PubrecPacket{ackFields{PacketID: p.PacketID}}) == nil {
			c.session.acknowledgeInbound(p.PacketID)
		}
	}
	return nil
}

// completePublish resolves the token of a finished outbound entry.
func (c *Client) completePublish(e *InFlightEntry, reason ReasonCode) {
	c.quota.release()
	c.metrics.inFlight(c.session.outboundCount())

	var err error
	if reason.IsError() {
		topic := ""
		if t, ok := c.tokens.get(publishKey(e.PacketID)); ok {
			if pt, ok := t.(*PublishToken); ok && pt.msg != nil {
				topic = pt.msg.Topic
			}
		}
		err = NewPublishError(topic, e.PacketID, reason)
	}
	c.metrics.delivered(e.QoS, e.Submitted, err)
	c.tokens.resolve(publishKey(e.PacketID), err)
}

func (c *Client) handleSuback(p *SubackPacket) {
	t, ok := c.tokens.take(subscribeKey(p.PacketID))
	if !ok {
		return
	}
	c.session.releaseID(p.PacketID)

	st, ok := t.(*SubscribeToken)
	if !ok {
		t.complete(ErrProtocolViolation)
		return
	}

	if len(p.ReasonCodes) == len(st.filters) {
		c.subsMu.Lock()
		for i, code := range p.ReasonCodes {
			if code.IsError() {
				delete(c.subs, st.filters[i])
			}
		}
		c.subsMu.Unlock()
	}
	st.resolveSuback(p.ReasonCodes)
}

func (c *Client) handleUnsuback(p *UnsubackPacket) {
	t, ok := c.tokens.take(unsubscribeKey(p.PacketID))
	if !ok {
		return
	}
	c.session.releaseID(p.PacketID)

	ut, ok := t.(*UnsubscribeToken)
	if !ok {
		t.complete(ErrProtocolViolation)
		return
	}

	var errs []error
	c.subsMu.Lock()
	for i, f := range ut.filters {
		if i < len(p.ReasonCodes) && p.ReasonCodes[i].IsError() {
			errs = append(errs, fmt.Errorf("%w: %s: %s", ErrUnsubscribeFailed, f, p.ReasonCodes[i]))
			continue
		}
		delete(c.subs, f)
	}
	c.subsMu.Unlock()

	ut.setResults(p.ReasonCodes)
	ut.complete(errors.Join(errs...))
}

// deliver runs consumer interceptors and queues the message for every
// matching handler.
func (c *Client) deliver(msg *Message) {
	msg = c.chain.consume(msg)
	if msg == nil {
		return
	}

	c.subsMu.RLock()
	var handlers []MessageHandler
	for filter, e := range c.subs {
		if e.handler != nil && TopicMatch(filter, msg.Topic) {
			handlers = append(handlers, e.handler)
		}
	}
	c.subsMu.RUnlock()

	if len(handlers) == 0 && c.opts.defaultHandler != nil {
		handlers = append(handlers, c.opts.defaultHandler)
	}
	if len(handlers) == 0 {
		c.logger.Debug("no handler for message", LogFields{LogFieldTopic: msg.Topic})
		return
	}

	for i, h := range handlers {
		m := msg
		if i > 0 {
			m = msg.Clone()
		}
		if !c.callbacks.push(func() { h(m) }) {
			c.logger.Warn("message dropped, client closed", LogFields{LogFieldTopic: msg.Topic})
			return
		}
	}
}

func (c *Client) keepAliveLoop(gen uint64, ka *keepAlive, stop <-chan struct{}) {
	defer c.loops.Done()

	if ka.Interval() == 0 {
		return
	}

	ticker := time.NewTicker(ka.tick())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			switch ka.check(now) {
			case keepAlivePing:
				ka.pinged()
				c.writePacket(gen, &PingreqPacket{})
			case keepAliveExpired:
				c.connectionLost(gen, ErrKeepAliveTimeout)
				return
			}
		}
	}
}

// decodeErrorReason maps a read failure to the v5 DISCONNECT reason to
// send. Plain transport errors map to ReasonSuccess, meaning none.
func decodeErrorReason(err error) ReasonCode {
	switch {
	case errors.Is(err, ErrPacketTooLarge):
		return ReasonPacketTooLarge
	case errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrUnknownPacketType),
		errors.Is(err, ErrInvalidPacketType),
		errors.Is(err, ErrDuplicateProperty):
		return ReasonProtocolError
	case errors.Is(err, ErrMalformedPacket),
		errors.Is(err, ErrInvalidPacketFlags),
		errors.Is(err, ErrInvalidReasonCode),
		errors.Is(err, ErrInvalidPacketID),
		errors.Is(err, ErrInvalidQoS),
		errors.Is(err, ErrPacketIDRequired),
		errors.Is(err, ErrVarintTooLarge),
		errors.Is(err, ErrVarintMalformed),
		errors.Is(err, ErrInvalidConnackFlags),
		errors.Is(err, ErrUnknownPropertyID),
		errors.Is(err, ErrPropertyLengthExceed),
		errors.Is(err, ErrInvalidUTF8):
		return ReasonMalformedPacket
	}
	return ReasonSuccess
}
