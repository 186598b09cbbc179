package mqttclient

import "sync/atomic"

// ConnectionState is the lifecycle position of a Client.
type ConnectionState uint32

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// connState holds the state with atomic transitions.
type connState struct {
	v atomic.Uint32
}

func (c *connState) get() ConnectionState { return ConnectionState(c.v.Load()) }

func (c *connState) set(s ConnectionState) { c.v.Store(uint32(s)) }

func (c *connState) transition(from, to ConnectionState) bool {
	return c.v.CompareAndSwap(uint32(from), uint32(to))
}

// transitionFrom moves to `to` from any of the listed states.
func (c *connState) transitionFrom(to ConnectionState, from ...ConnectionState) bool {
	for _, f := range from {
		if c.transition(f, to) {
			return true
		}
	}
	return false
}
