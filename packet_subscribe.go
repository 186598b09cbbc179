package mqttclient

import (
	"errors"
	"io"
)

// SUBSCRIBE and UNSUBSCRIBE errors.
var (
	ErrInvalidPacketID       = errors.New("invalid packet identifier")
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrInvalidSubscriptionID = errors.New("invalid subscription identifier")
)

// Subscription option bits.
const (
	subOptQoS            byte = 0x03
	subOptNoLocal        byte = 0x04
	subOptRetainAsPub    byte = 0x08
	subOptRetainHandling byte = 0x30
	subOptReserved       byte = 0xC0
)

// Subscription represents a topic filter with subscription options.
// NoLocal, RetainAsPublish and RetainHandling are v5 only.
type Subscription struct {
	TopicFilter     string
	QoS             byte
	NoLocal         bool
	RetainAsPublish bool
	RetainHandling  byte
	SubscriptionID  uint32
}

func (s *Subscription) options(version ProtocolVersion) byte {
	opts := s.QoS & subOptQoS
	if !version.hasProperties() {
		return opts
	}
	if s.NoLocal {
		opts |= subOptNoLocal
	}
	if s.RetainAsPublish {
		opts |= subOptRetainAsPub
	}
	return opts | (s.RetainHandling<<4)&subOptRetainHandling
}

func (s *Subscription) setOptions(opts byte) {
	s.QoS = opts & subOptQoS
	s.NoLocal = opts&subOptNoLocal != 0
	s.RetainAsPublish = opts&subOptRetainAsPub != 0
	s.RetainHandling = (opts & subOptRetainHandling) >> 4
}

// SubscribePacket represents an MQTT SUBSCRIBE packet.
type SubscribePacket struct {
	PacketID      uint16
	Props         Properties
	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// ID returns the packet identifier.
func (p *SubscribePacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	writeUint16(body, p.PacketID)
	if version.hasProperties() {
		if _, err := p.Props.Encode(body); err != nil {
			return 0, err
		}
	}

	for i := range p.Subscriptions {
		sub := &p.Subscriptions[i]
		if _, err := encodeString(body, sub.TopicFilter); err != nil {
			return 0, err
		}
		body.WriteByte(sub.options(version))
	}

	return encodeFramed(w, PacketSUBSCRIBE, 0x02, body.Bytes())
}

// Decode reads the packet from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}

	var err error
	var n, total int

	p.PacketID, total, err = readUint16(r)
	if err != nil {
		return total, err
	}

	var subID uint32
	if version.hasProperties() {
		n, err = p.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
		if p.Props.Has(PropSubscriptionIdentifier) {
			subID = p.Props.GetUint32(PropSubscriptionIdentifier)
			if subID == 0 {
				return total, ErrInvalidSubscriptionID
			}
		}
	}

	p.Subscriptions = nil
	for total < int(header.RemainingLength) {
		var sub Subscription

		sub.TopicFilter, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}

		opts, n, err := readByte(r)
		total += n
		if err != nil {
			return total, err
		}
		if opts&subOptReserved != 0 || (!version.hasProperties() && opts&^subOptQoS != 0) {
			return total, ErrProtocolViolation
		}

		sub.setOptions(opts)
		sub.SubscriptionID = subID
		p.Subscriptions = append(p.Subscriptions, sub)
	}

	return total, nil
}

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.Subscriptions) == 0 {
		return ErrProtocolViolation
	}
	for _, sub := range p.Subscriptions {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
		if sub.QoS > 2 {
			return ErrInvalidQoS
		}
		if sub.RetainHandling > 2 {
			return ErrProtocolViolation
		}
	}
	return nil
}

// SubackPacket represents an MQTT SUBACK packet. In v3.1.1 the return
// codes 0x00-0x02 and 0x80 share their values with the v5 reason codes.
type SubackPacket struct {
	PacketID    uint16
	Props       Properties
	ReasonCodes []ReasonCode
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// ID returns the packet identifier.
func (p *SubackPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	writeUint16(body, p.PacketID)
	if version.hasProperties() {
		if _, err := p.Props.Encode(body); err != nil {
			return 0, err
		}
	}
	for _, rc := range p.ReasonCodes {
		if !version.hasProperties() && rc.IsError() {
			rc = ReasonCode(subackV3Failure)
		}
		body.WriteByte(byte(rc))
	}

	return encodeFramed(w, PacketSUBACK, 0x00, body.Bytes())
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}

	var err error
	var n, total int

	p.PacketID, total, err = readUint16(r)
	if err != nil {
		return total, err
	}

	if version.hasProperties() {
		n, err = p.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	p.ReasonCodes = nil
	for total < int(header.RemainingLength) {
		code, n, err := readByte(r)
		total += n
		if err != nil {
			return total, err
		}
		if !version.hasProperties() && code > 2 && code != subackV3Failure {
			return total, ErrInvalidReasonCode
		}
		p.ReasonCodes = append(p.ReasonCodes, ReasonCode(code))
	}

	return total, nil
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.ReasonCodes) == 0 {
		return ErrProtocolViolation
	}
	for _, rc := range p.ReasonCodes {
		if !rc.ValidFor(PacketSUBACK) {
			return ErrInvalidReasonCode
		}
	}
	return nil
}
