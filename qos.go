package mqttclient

import (
	"errors"
	"sync"
	"time"
)

// Packet identifier errors.
var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
	ErrPacketIDInUse     = errors.New("packet ID already in use")
)

// PacketIDManager manages allocation and release of packet IDs (1-65535).
type PacketIDManager struct {
	mu   sync.Mutex
	used map[uint16]struct{}
	next uint16
}

// NewPacketIDManager creates a new packet ID manager.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

// Allocate returns the next free packet ID, starting after the last one handed out.
func (m *PacketIDManager) Allocate() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) >= maxUint16 {
		return 0, ErrPacketIDExhausted
	}

	for {
		id := m.next
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if _, ok := m.used[id]; !ok {
			m.used[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve marks a specific ID as used. It is used when restoring a session.
func (m *PacketIDManager) Reserve(id uint16) error {
	if id == 0 {
		return ErrInvalidPacketID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; ok {
		return ErrPacketIDInUse
	}
	m.used[id] = struct{}{}
	return nil
}

// Release releases a packet ID for reuse.
func (m *PacketIDManager) Release(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; !ok {
		return ErrPacketIDNotFound
	}
	delete(m.used, id)
	return nil
}

// IsUsed returns true if the packet ID is currently in use.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[id]
	return ok
}

// InUse returns the count of packet IDs currently in use.
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// Reset releases every ID.
func (m *PacketIDManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = make(map[uint16]struct{})
	m.next = 1
}

// Direction tells whether an in-flight message is being sent or received.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// DeliveryState is the handshake position of an in-flight message.
//
// Outbound QoS 1: Sent -> Acked.
// Outbound QoS 2: Sent -> PubrecReceived -> Released -> Complete.
// Inbound QoS 2: PublishReceived -> Acknowledged -> ReleaseReceived -> Complete.
type DeliveryState uint8

const (
	StateSent DeliveryState = iota
	StateAcked
	StatePubrecReceived
	StateReleased
	StateComplete
	StatePublishReceived
	StateAcknowledged
	StateReleaseReceived
)

var deliveryStateNames = [...]string{
	StateSent:            "SENT",
	StateAcked:           "ACKED",
	StatePubrecReceived:  "RECEIVED",
	StateReleased:        "RELEASED",
	StateComplete:        "COMPLETE",
	StatePublishReceived: "RECEIVED",
	StateAcknowledged:    "ACKNOWLEDGED",
	StateReleaseReceived: "RELEASE_RECEIVED",
}

func (s DeliveryState) String() string {
	if int(s) < len(deliveryStateNames) {
		return deliveryStateNames[s]
	}
	return "UNKNOWN"
}

// InFlightEntry tracks one QoS 1 or QoS 2 message between its first packet
// and its terminal acknowledgement.
type InFlightEntry struct {
	PacketID  uint16
	Direction Direction
	QoS       byte
	State     DeliveryState
	Duplicate bool
	// Submitted is when an outbound message entered the session. It is
	// the restore time for entries rebuilt from the store.
	Submitted time.Time
	// Timestamp is the time of the last state change.
	Timestamp time.Time
	Message   *Message

	// seq orders outbound entries by submission for resending.
	seq uint64
}

// snapshot returns a copy safe to hand outside the session lock.
func (e *InFlightEntry) snapshot() *InFlightEntry {
	c := *e
	c.Message = e.Message.Clone()
	return &c
}
