package mqttclient

import (
	"errors"
	"time"
)

// EventHandler receives lifecycle events and asynchronous errors. Events
// are delivered on the callback goroutine.
type EventHandler func(client *Client, event error)

// Lifecycle events - check with errors.Is().
var (
	ErrConnected       = errors.New("connected")
	ErrDisconnected    = errors.New("disconnected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrReconnecting    = errors.New("reconnecting")
	ErrReconnectFailed = errors.New("reconnect failed")
)

// Protocol errors.
var (
	// ErrAuthFailed is returned when the broker rejects our credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrProtocolError is returned when the broker breaks the protocol or
	// refuses the connection.
	ErrProtocolError = errors.New("protocol error")

	// ErrServerDisconnect is emitted when the broker sends DISCONNECT.
	ErrServerDisconnect = errors.New("server disconnect")

	// ErrKeepAliveTimeout is emitted when PINGREQ goes unanswered.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrConnectTimeout is returned when CONNACK does not arrive in time.
	ErrConnectTimeout = errors.New("connect timeout")
)

// Operation errors.
var (
	ErrPublishFailed     = errors.New("publish failed")
	ErrSubscribeFailed   = errors.New("subscribe failed")
	ErrUnsubscribeFailed = errors.New("unsubscribe failed")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected or connecting")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrQoSNotSupported   = errors.New("QoS not supported by server")
	ErrRetainUnsupported = errors.New("retain not supported by server")
	ErrNoServers         = errors.New("no servers configured")
	ErrClientClosed      = errors.New("client closed")
)

// ConnectedEvent reports a completed CONNECT handshake.
type ConnectedEvent struct {
	err            error
	SessionPresent bool
	Server         string
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(server string, sessionPresent bool) *ConnectedEvent {
	return &ConnectedEvent{err: ErrConnected, SessionPresent: sessionPresent, Server: server}
}

// DisconnectError reports the end of a connection.
type DisconnectError struct {
	err        error
	ReasonCode ReasonCode
	Remote     bool // true if the broker sent DISCONNECT
}

func (e *DisconnectError) Error() string {
	if e.Remote {
		return "server disconnect: " + e.ReasonCode.String()
	}
	return "disconnected: " + e.ReasonCode.String()
}

func (e *DisconnectError) Unwrap() error { return e.err }

// NewDisconnectError creates a new DisconnectError.
func NewDisconnectError(reason ReasonCode, remote bool) *DisconnectError {
	base := ErrDisconnected
	if remote {
		base = ErrServerDisconnect
	}
	return &DisconnectError{err: base, ReasonCode: reason, Remote: remote}
}

// ReconnectEvent reports a scheduled reconnection attempt.
type ReconnectEvent struct {
	err     error
	Attempt int
	Delay   time.Duration
}

func (e *ReconnectEvent) Error() string { return e.err.Error() }
func (e *ReconnectEvent) Unwrap() error { return e.err }

// NewReconnectEvent creates a new ReconnectEvent.
func NewReconnectEvent(attempt int, delay time.Duration) *ReconnectEvent {
	return &ReconnectEvent{err: ErrReconnecting, Attempt: attempt, Delay: delay}
}

// PublishError carries the failure reason code of a QoS 1 or QoS 2 delivery.
type PublishError struct {
	err        error
	Topic      string
	PacketID   uint16
	ReasonCode ReasonCode
}

func (e *PublishError) Error() string {
	return "publish failed: " + e.ReasonCode.String()
}

func (e *PublishError) Unwrap() error { return e.err }

// NewPublishError creates a new PublishError.
func NewPublishError(topic string, packetID uint16, reason ReasonCode) *PublishError {
	return &PublishError{err: ErrPublishFailed, Topic: topic, PacketID: packetID, ReasonCode: reason}
}

// SubscribeError names a topic filter the broker refused.
type SubscribeError struct {
	err        error
	Topic      string
	ReasonCode ReasonCode
}

func (e *SubscribeError) Error() string {
	return "subscribe " + e.Topic + " failed: " + e.ReasonCode.String()
}

func (e *SubscribeError) Unwrap() error { return e.err }

// NewSubscribeError creates a new SubscribeError.
func NewSubscribeError(topic string, reason ReasonCode) *SubscribeError {
	return &SubscribeError{err: ErrSubscribeFailed, Topic: topic, ReasonCode: reason}
}

// ConnectionLostError wraps the transport or decode failure that ended a
// connection.
type ConnectionLostError struct {
	err   error
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.err}
	}
	return []error{e.err, e.Cause}
}

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(cause error) *ConnectionLostError {
	return &ConnectionLostError{err: ErrConnectionLost, Cause: cause}
}

// ConnectError reports a refused CONNECT.
type ConnectError struct {
	err        error
	ReasonCode ReasonCode
}

func (e *ConnectError) Error() string {
	return "connect failed: " + e.ReasonCode.String()
}

func (e *ConnectError) Unwrap() error { return e.err }

// NewConnectError creates a new ConnectError from a reason code.
func NewConnectError(reason ReasonCode) *ConnectError {
	base := ErrProtocolError
	if reason == ReasonBadUserNameOrPassword || reason == ReasonNotAuthorized {
		base = ErrAuthFailed
	}
	return &ConnectError{err: base, ReasonCode: reason}
}
