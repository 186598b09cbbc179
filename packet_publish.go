package mqttclient

import (
	"errors"
	"io"
)

// QoS levels.
const (
	QoS0 byte = 0 // at most once
	QoS1 byte = 1 // at least once
	QoS2 byte = 2 // exactly once
)

// PUBLISH packet errors.
var (
	ErrInvalidQoS       = errors.New("invalid QoS level")
	ErrPacketIDRequired = errors.New("packet identifier required for QoS > 0")
)

// PublishPacket represents an MQTT PUBLISH packet.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16

	// Props is only encoded for v5.
	Props Properties
}

// Type returns the packet type.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

// ID returns the packet identifier.
func (p *PublishPacket) ID() uint16 { return p.PacketID }

func (p *PublishPacket) flags() byte {
	flags := (p.QoS << 1) & flagQoS
	if p.DUP {
		flags |= flagDUP
	}
	if p.Retain {
		flags |= flagRetain
	}
	return flags
}

// Encode writes the packet to the writer.
func (p *PublishPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	if err := p.encodeVariableHeader(body, version); err != nil {
		return 0, err
	}
	body.Write(p.Payload)

	return encodeFramed(w, PacketPUBLISH, p.flags(), body.Bytes())
}

func (p *PublishPacket) encodeVariableHeader(w io.Writer, version ProtocolVersion) error {
	if _, err := encodeString(w, p.Topic); err != nil {
		return err
	}
	if p.QoS > 0 {
		if _, err := writeUint16(w, p.PacketID); err != nil {
			return err
		}
	}
	if version.hasProperties() {
		if _, err := p.Props.Encode(w); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads the packet from the reader.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.DUP = header.DUP()
	p.QoS = header.QoS()
	p.Retain = header.Retain()
	if p.QoS > 2 {
		return 0, ErrInvalidQoS
	}

	var err error
	var n, total int

	p.Topic, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.QoS > 0 {
		p.PacketID, n, err = readUint16(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if version.hasProperties() {
		n, err = p.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	payloadLen := int(header.RemainingLength) - total
	if payloadLen < 0 {
		return total, ErrMalformedPacket
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		n, err = io.ReadFull(r, p.Payload)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Validate validates the packet contents.
func (p *PublishPacket) Validate() error {
	if p.QoS > 2 {
		return ErrInvalidQoS
	}
	if p.QoS == 0 && p.DUP {
		return ErrInvalidPacketFlags
	}
	if p.QoS > 0 && p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if p.Topic == "" && p.Props.GetUint16(PropTopicAlias) == 0 {
		return ErrEmptyTopic
	}
	return nil
}

// ToMessage converts the PUBLISH packet to a Message.
func (p *PublishPacket) ToMessage() *Message {
	m := &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.DUP,
		PacketID:  p.PacketID,
	}
	m.FromProperties(&p.Props)
	return m
}

// FromMessage populates the PUBLISH packet from a Message.
func (p *PublishPacket) FromMessage(m *Message) {
	p.Topic = m.Topic
	p.Payload = m.Payload
	p.QoS = m.QoS
	p.Retain = m.Retain
	p.Props = m.ToProperties()
}
