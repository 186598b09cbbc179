package mqttclient

import (
	"errors"
	"io"
)

// ErrInvalidReasonCode is returned when a reason code is not valid for the packet type.
var ErrInvalidReasonCode = errors.New("invalid reason code")

// ackFields holds the layout shared by PUBACK, PUBREC, PUBREL and PUBCOMP.
type ackFields struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// ID returns the packet identifier.
func (a *ackFields) ID() uint16 { return a.PacketID }

func (a *ackFields) encode(w io.Writer, t PacketType, flags byte, version ProtocolVersion) (int, error) {
	if a.PacketID == 0 {
		return 0, ErrPacketIDRequired
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	writeUint16(body, a.PacketID)

	// The reason code and properties are omitted for a plain success.
	if version.hasProperties() && (a.ReasonCode != ReasonSuccess || a.Props.Len() > 0) {
		body.WriteByte(byte(a.ReasonCode))
		if a.Props.Len() > 0 {
			if _, err := a.Props.Encode(body); err != nil {
				return 0, err
			}
		}
	}

	return encodeFramed(w, t, flags, body.Bytes())
}

func (a *ackFields) decode(r io.Reader, header FixedHeader, t PacketType, version ProtocolVersion) (int, error) {
	if header.PacketType != t {
		return 0, ErrInvalidPacketType
	}

	id, total, err := readUint16(r)
	if err != nil {
		return total, err
	}
	if id == 0 {
		return total, ErrPacketIDRequired
	}
	a.PacketID = id
	a.ReasonCode = ReasonSuccess

	if header.RemainingLength <= 2 {
		return total, nil
	}
	if !version.hasProperties() {
		return total, ErrMalformedPacket
	}

	code, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}
	a.ReasonCode = ReasonCode(code)
	if !a.ReasonCode.ValidFor(t) {
		return total, ErrInvalidReasonCode
	}

	if header.RemainingLength > 3 {
		n, err = a.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

func (a *ackFields) validate(t PacketType) error {
	if a.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if !a.ReasonCode.ValidFor(t) {
		return ErrInvalidReasonCode
	}
	return nil
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct{ ackFields }

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// Encode writes the packet to the writer.
func (p *PubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return p.encode(w, PacketPUBACK, 0x00, version)
}

// Decode reads the packet from the reader.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return p.decode(r, header, PacketPUBACK, version)
}

// Validate validates the packet contents.
func (p *PubackPacket) Validate() error { return p.validate(PacketPUBACK) }

// PubrecPacket is the first acknowledgement of a QoS 2 PUBLISH.
type PubrecPacket struct{ ackFields }

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// Encode writes the packet to the writer.
func (p *PubrecPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return p.encode(w, PacketPUBREC, 0x00, version)
}

// Decode reads the packet from the reader.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return p.decode(r, header, PacketPUBREC, version)
}

// Validate validates the packet contents.
func (p *PubrecPacket) Validate() error { return p.validate(PacketPUBREC) }

// PubrelPacket releases a QoS 2 message after PUBREC.
type PubrelPacket struct{ ackFields }

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// Encode writes the packet to the writer.
func (p *PubrelPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return p.encode(w, PacketPUBREL, 0x02, version)
}

// Decode reads the packet from the reader.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return p.decode(r, header, PacketPUBREL, version)
}

// Validate validates the packet contents.
func (p *PubrelPacket) Validate() error { return p.validate(PacketPUBREL) }

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct{ ackFields }

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// Encode writes the packet to the writer.
func (p *PubcompPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return p.encode(w, PacketPUBCOMP, 0x00, version)
}

// Decode reads the packet from the reader.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return p.decode(r, header, PacketPUBCOMP, version)
}

// Validate validates the packet contents.
func (p *PubcompPacket) Validate() error { return p.validate(PacketPUBCOMP) }
