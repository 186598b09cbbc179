package mqttclient

import "io"

// UnsubscribePacket represents an MQTT UNSUBSCRIBE packet.
type UnsubscribePacket struct {
	PacketID     uint16
	Props        Properties
	TopicFilters []string
}

// Type returns the packet type.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// ID returns the packet identifier.
func (p *UnsubscribePacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *UnsubscribePacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
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
	for _, tf := range p.TopicFilters {
		if _, err := encodeString(body, tf); err != nil {
			return 0, err
		}
	}

	return encodeFramed(w, PacketUNSUBSCRIBE, 0x02, body.Bytes())
}

// Decode reads the packet from the reader.
func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
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

	p.TopicFilters = nil
	for total < int(header.RemainingLength) {
		var tf string
		tf, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
		p.TopicFilters = append(p.TopicFilters, tf)
	}

	return total, nil
}

// Validate validates the packet contents.
func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.TopicFilters) == 0 {
		return ErrProtocolViolation
	}
	for _, tf := range p.TopicFilters {
		if err := ValidateTopicFilter(tf); err != nil {
			return err
		}
	}
	return nil
}

// UnsubackPacket represents an MQTT UNSUBACK packet. v3.1.1 UNSUBACK has
// no payload, so ReasonCodes is empty for that version.
type UnsubackPacket struct {
	PacketID    uint16
	Props       Properties
	ReasonCodes []ReasonCode
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// ID returns the packet identifier.
func (p *UnsubackPacket) ID() uint16 { return p.PacketID }

// Encode writes the packet to the writer.
func (p *UnsubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
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
		for _, rc := range p.ReasonCodes {
			body.WriteByte(byte(rc))
		}
	}

	return encodeFramed(w, PacketUNSUBACK, 0x00, body.Bytes())
}

// Decode reads the packet from the reader.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketUNSUBACK {
		return 0, ErrInvalidPacketType
	}

	var err error
	var n, total int

	p.PacketID, total, err = readUint16(r)
	if err != nil {
		return total, err
	}
	if !version.hasProperties() {
		return total, nil
	}

	n, err = p.Props.Decode(r)
	total += n
	if err != nil {
		return total, err
	}

	p.ReasonCodes = nil
	for total < int(header.RemainingLength) {
		var code byte
		code, n, err = readByte(r)
		total += n
		if err != nil {
			return total, err
		}
		p.ReasonCodes = append(p.ReasonCodes, ReasonCode(code))
	}

	return total, nil
}

// Validate validates the packet contents.
func (p *UnsubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	for _, rc := range p.ReasonCodes {
		if !rc.ValidFor(PacketUNSUBACK) {
			return ErrInvalidReasonCode
		}
	}
	return nil
}
