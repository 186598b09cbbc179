package mqttclient

import (
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned when the broker's Receive Maximum leaves
// no room for another QoS 1 or QoS 2 PUBLISH.
var ErrQuotaExceeded = errors.New("send quota exceeded")

// sendQuota limits outbound QoS 1 and QoS 2 messages in flight to the
// Receive Maximum advertised in CONNACK.
type sendQuota struct {
	mu       sync.Mutex
	maximum  uint16
	inFlight uint16
}

func newSendQuota(maximum uint16) *sendQuota {
	if maximum == 0 {
		maximum = 65535
	}
	return &sendQuota{maximum: maximum}
}

// reset sets a new maximum and the number of messages already in flight,
// as after a reconnect.
func (q *sendQuota) reset(maximum uint16, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maximum == 0 {
		maximum = 65535
	}
	q.maximum = maximum
	q.inFlight = uint16(min(inFlight, 65535))
}

func (q *sendQuota) tryAcquire() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight >= q.maximum {
		return false
	}
	q.inFlight++
	return true
}

func (q *sendQuota) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
}

// available returns the free slots.
func (q *sendQuota) available() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight >= q.maximum {
		return 0
	}
	return q.maximum - q.inFlight
}
