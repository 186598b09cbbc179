package mqttclient

import (
	"sync"
	"time"
)

// keepAliveAction is what the keep-alive loop should do next.
type keepAliveAction int

const (
	keepAliveIdle keepAliveAction = iota
	keepAlivePing
	keepAliveExpired
)

// keepAlive tracks traffic on one connection. A PINGREQ is due once
// nothing has been sent for the interval; the connection is dead when a
// ping stays unanswered, with nothing else received, for the grace window.
type keepAlive struct {
	mu       sync.Mutex
	interval time.Duration
	grace    time.Duration
	lastSent time.Time
	pingSent time.Time
}

// newKeepAlive creates a tracker. The grace window is graceFactor times
// the interval and never shorter than one second.
func newKeepAlive(seconds uint16, graceFactor float64) *keepAlive {
	if graceFactor < 1.0 {
		graceFactor = 1.0
	}
	interval := time.Duration(seconds) * time.Second
	grace := time.Duration(float64(interval) * (graceFactor - 1))
	if grace < time.Second {
		grace = time.Second
	}

	return &keepAlive{
		interval: interval,
		grace:    grace,
		lastSent: time.Now(),
	}
}

// Interval returns the negotiated keep-alive interval. Zero disables it.
func (k *keepAlive) Interval() time.Duration { return k.interval }

func (k *keepAlive) sent() {
	k.mu.Lock()
	k.lastSent = time.Now()
	k.mu.Unlock()
}

// received records inbound traffic. Any packet answers an outstanding ping.
func (k *keepAlive) received() {
	k.mu.Lock()
	k.pingSent = time.Time{}
	k.mu.Unlock()
}

func (k *keepAlive) pinged() {
	k.mu.Lock()
	now := time.Now()
	k.pingSent = now
	k.lastSent = now
	k.mu.Unlock()
}

// check decides what to do at now.
func (k *keepAlive) check(now time.Time) keepAliveAction {
	if k.interval == 0 {
		return keepAliveIdle
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.pingSent.IsZero() {
		if now.Sub(k.pingSent) >= k.grace {
			return keepAliveExpired
		}
		return keepAliveIdle
	}
	if now.Sub(k.lastSent) >= k.interval {
		return keepAlivePing
	}
	return keepAliveIdle
}

// tick returns how often check should run.
func (k *keepAlive) tick() time.Duration {
	t := k.interval / 4
	if k.grace/2 < t {
		t = k.grace / 2
	}
	if t < 100*time.Millisecond {
		t = 100 * time.Millisecond
	}
	return t
}
