package mqttclient

import (
	"errors"
	"io"
)

// ProtocolVersion is the protocol level carried in CONNECT.
type ProtocolVersion byte

// Supported protocol versions.
const (
	ProtocolV311 ProtocolVersion = 4
	ProtocolV5   ProtocolVersion = 5
)

// ErrInvalidProtocolVersion is returned for protocol levels other than 4 and 5.
var ErrInvalidProtocolVersion = errors.New("invalid protocol version")

// String returns the human readable protocol version.
func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolV311:
		return "3.1.1"
	case ProtocolV5:
		return "5.0"
	default:
		return "unknown"
	}
}

// Valid reports whether v is a supported protocol version.
func (v ProtocolVersion) Valid() bool {
	return v == ProtocolV311 || v == ProtocolV5
}

// hasProperties reports whether packets of this version carry property blocks.
func (v ProtocolVersion) hasProperties() bool {
	return v >= ProtocolV5
}

// Packet is the interface that all MQTT control packets implement.
// The set of implementations is closed; consumers switch on the concrete type.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the packet, including its fixed header, using the layout
	// of the given protocol version.
	Encode(w io.Writer, version ProtocolVersion) (int, error)

	// Decode reads the packet body. The fixed header is already decoded.
	Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that have a packet identifier.
type PacketWithID interface {
	Packet
	ID() uint16
}

// Message represents an MQTT application message.
type Message struct {
	// Topic is the topic name to publish to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// Duplicate is set on received messages that the broker flagged as a redelivery.
	Duplicate bool

	// PacketID is the identifier the message travelled under. Zero for QoS 0.
	PacketID uint16

	// PayloadFormat indicates if the payload is UTF-8 encoded text (1) or unspecified bytes (0).
	PayloadFormat byte

	// MessageExpiry is the lifetime of the message in seconds.
	MessageExpiry uint32

	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  []StringPair

	// SubscriptionIdentifiers is only set on received messages.
	SubscriptionIdentifiers []uint32
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m
	clone.Payload = cloneBytes(m.Payload)
	clone.CorrelationData = cloneBytes(m.CorrelationData)

	if m.UserProperties != nil {
		clone.UserProperties = append([]StringPair(nil), m.UserProperties...)
	}
	if m.SubscriptionIdentifiers != nil {
		clone.SubscriptionIdentifiers = append([]uint32(nil), m.SubscriptionIdentifiers...)
	}

	return &clone
}

// ToProperties converts the message metadata to PUBLISH properties.
func (m *Message) ToProperties() Properties {
	var p Properties

	if m.PayloadFormat != 0 {
		p.Set(PropPayloadFormatIndicator, m.PayloadFormat)
	}
	if m.MessageExpiry != 0 {
		p.Set(PropMessageExpiryInterval, m.MessageExpiry)
	}
	if m.ContentType != "" {
		p.Set(PropContentType, m.ContentType)
	}
	if m.ResponseTopic != "" {
		p.Set(PropResponseTopic, m.ResponseTopic)
	}
	if len(m.CorrelationData) > 0 {
		p.Set(PropCorrelationData, m.CorrelationData)
	}
	for _, up := range m.UserProperties {
		p.Add(PropUserProperty, up)
	}

	return p
}

// FromProperties populates the message metadata from PUBLISH properties.
func (m *Message) FromProperties(p *Properties) {
	if p == nil {
		return
	}

	m.PayloadFormat = p.GetByte(PropPayloadFormatIndicator)
	m.MessageExpiry = p.GetUint32(PropMessageExpiryInterval)
	m.ContentType = p.GetString(PropContentType)
	m.ResponseTopic = p.GetString(PropResponseTopic)
	m.CorrelationData = p.GetBinary(PropCorrelationData)
	m.UserProperties = p.GetAllStringPairs(PropUserProperty)
	m.SubscriptionIdentifiers = p.GetAllVarInts(PropSubscriptionIdentifier)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
