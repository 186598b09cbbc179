package mqttclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Persistence errors.
var (
	ErrPersistence    = errors.New("persistence failure")
	ErrRecordNotFound = errors.New("record not found")
	ErrStoreClosed    = errors.New("store is closed")
	ErrRecordCorrupt  = errors.New("record is corrupt")
)

// PersistenceError reports a failed store operation. It always matches
// ErrPersistence with errors.Is.
type PersistenceError struct {
	Op  string
	Key string
	err error
}

// NewPersistenceError wraps err as a failure of op on key.
func NewPersistenceError(op, key string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Key: key, err: err}
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence %s failed: %v", e.Op, e.err)
	}
	return fmt.Sprintf("persistence %s %q failed: %v", e.Op, e.Key, e.err)
}

func (e *PersistenceError) Unwrap() error { return e.err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Record is a persisted control packet split into header and payload bytes.
// Buffers are copied on construction and on every accessor call, so a record
// never shares memory with its caller.
type Record struct {
	packetType PacketType
	header     []byte
	payload    []byte
}

// NewRecord creates a record holding copies of header and payload.
func NewRecord(packetType PacketType, header, payload []byte) *Record {
	return &Record{
		packetType: packetType,
		header:     cloneBytes(header),
		payload:    cloneBytes(payload),
	}
}

// Type returns the control packet type the record was built from.
func (r *Record) Type() PacketType { return r.packetType }

// Header returns a copy of the header bytes.
func (r *Record) Header() []byte { return cloneBytes(r.header) }

// Payload returns a copy of the payload bytes.
func (r *Record) Payload() []byte { return cloneBytes(r.payload) }

// MarshalBinary encodes the record as type, header length, header and payload.
func (r *Record) MarshalBinary() ([]byte, error) {
	out := make([]byte, 5, 5+len(r.header)+len(r.payload))
	out[0] = byte(r.packetType)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(r.header)))
	out = append(out, r.header...)
	out = append(out, r.payload...)
	return out, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return ErrRecordCorrupt
	}
	hlen := int(binary.BigEndian.Uint32(data[1:5]))
	if hlen > len(data)-5 {
		return ErrRecordCorrupt
	}

	r.packetType = PacketType(data[0])
	r.header = cloneBytes(data[5 : 5+hlen])
	r.payload = cloneBytes(data[5+hlen:])
	return nil
}

// Packet decodes the stored wire bytes back into a control packet.
func (r *Record) Packet(version ProtocolVersion) (Packet, error) {
	wire := make([]byte, 0, len(r.header)+len(r.payload))
	wire = append(wire, r.header...)
	wire = append(wire, r.payload...)

	pkt, _, err := DecodePacket(wire, version, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordCorrupt, err)
	}
	if pkt.Type() != r.packetType {
		return nil, ErrRecordCorrupt
	}
	return pkt, nil
}

// recordFromPacket encodes pkt and splits it so that a PUBLISH payload is
// kept apart from the fixed and variable headers.
func recordFromPacket(pkt Packet, version ProtocolVersion) (*Record, error) {
	wire, err := EncodePacket(pkt, version)
	if err != nil {
		return nil, err
	}

	split := len(wire)
	if pub, ok := pkt.(*PublishPacket); ok {
		split -= len(pub.Payload)
	}

	return &Record{
		packetType: pkt.Type(),
		header:     wire[:split],
		payload:    wire[split:],
	}, nil
}

// Store is durable key to record storage. Every operation is scoped to a
// namespace, normally the client identifier, so clients may share a store.
// Implementations return ErrRecordNotFound from Get for absent keys and must
// report unavailability as an error rather than dropping data.
type Store interface {
	Put(namespace, key string, rec *Record) error
	Get(namespace, key string) (*Record, error)
	Remove(namespace, key string) error
	Keys(namespace string) ([]string, error)
	Clear(namespace string) error
	Close() error
}

// Store key prefixes for in-flight records.
const (
	keyPrefixSent     = "s-"  // outbound PUBLISH awaiting PUBACK or PUBREC
	keyPrefixReleased = "sc-" // outbound PUBREL awaiting PUBCOMP
	keyPrefixReceived = "r-"  // inbound QoS 2 PUBLISH awaiting PUBREL
)

func sentKey(id uint16) string     { return keyPrefixSent + strconv.Itoa(int(id)) }
func releasedKey(id uint16) string { return keyPrefixReleased + strconv.Itoa(int(id)) }
func receivedKey(id uint16) string { return keyPrefixReceived + strconv.Itoa(int(id)) }

// parseRecordKey splits a store key into its prefix and packet identifier.
func parseRecordKey(key string) (prefix string, id uint16, ok bool) {
	for _, p := range []string{keyPrefixReleased, keyPrefixSent, keyPrefixReceived} {
		if rest, found := strings.CutPrefix(key, p); found {
			n, err := strconv.ParseUint(rest, 10, 16)
			if err != nil || n == 0 {
				return "", 0, false
			}
			return p, uint16(n), true
		}
	}
	return "", 0, false
}
