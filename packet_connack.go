package mqttclient

import (
	"errors"
	"io"
)

// ErrInvalidConnackFlags is returned when CONNACK reserved bits are set.
var ErrInvalidConnackFlags = errors.New("invalid CONNACK flags")

// ConnackPacket represents an MQTT CONNACK packet. For v3.1.1 the return
// code is translated to and from ReasonCode.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Props          Properties
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	body.WriteByte(flags)

	if version.hasProperties() {
		body.WriteByte(byte(p.ReasonCode))
		if _, err := p.Props.Encode(body); err != nil {
			return 0, err
		}
	} else {
		body.WriteByte(connackReturnCode(p.ReasonCode))
	}

	return encodeFramed(w, PacketCONNACK, 0x00, body.Bytes())
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}

	flags, total, err := readByte(r)
	if err != nil {
		return total, err
	}
	if flags&0xFE != 0 {
		return total, ErrInvalidConnackFlags
	}
	p.SessionPresent = flags&0x01 != 0

	code, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}

	if !version.hasProperties() {
		reason, ok := connackV3ToReason[code]
		if !ok {
			return total, ErrInvalidReasonCode
		}
		p.ReasonCode = reason
		return total, nil
	}

	p.ReasonCode = ReasonCode(code)
	if header.RemainingLength > 2 {
		n, err = p.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketCONNACK) {
		return ErrInvalidReasonCode
	}
	if p.ReasonCode != ReasonSuccess && p.SessionPresent {
		return ErrInvalidConnackFlags
	}
	return nil
}
