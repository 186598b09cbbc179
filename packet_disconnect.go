package mqttclient

import "io"

// reasonBody is the optional reason code and property block carried by
// DISCONNECT and AUTH. Both are omitted for a plain success.
type reasonBody struct {
	ReasonCode ReasonCode
	Props      Properties
}

func (b *reasonBody) encode(w io.Writer, t PacketType, version ProtocolVersion) (int, error) {
	body := getBytesBuffer()
	defer putBytesBuffer(body)

	if version.hasProperties() && (b.ReasonCode != ReasonSuccess || b.Props.Len() > 0) {
		body.WriteByte(byte(b.ReasonCode))
		if b.Props.Len() > 0 {
			if _, err := b.Props.Encode(body); err != nil {
				return 0, err
			}
		}
	}

	return encodeFramed(w, t, 0x00, body.Bytes())
}

func (b *reasonBody) decode(r io.Reader, header FixedHeader, t PacketType, version ProtocolVersion) (int, error) {
	if header.PacketType != t {
		return 0, ErrInvalidPacketType
	}

	b.ReasonCode = ReasonSuccess
	if header.RemainingLength == 0 {
		return 0, nil
	}
	if !version.hasProperties() {
		return 0, ErrMalformedPacket
	}

	code, total, err := readByte(r)
	if err != nil {
		return total, err
	}
	b.ReasonCode = ReasonCode(code)

	if header.RemainingLength > 1 {
		n, err := b.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// DisconnectPacket represents an MQTT DISCONNECT packet.
type DisconnectPacket struct{ reasonBody }

// Type returns the packet type.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

// Encode writes the packet to the writer.
func (p *DisconnectPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p.encode(w, PacketDISCONNECT, version)
}

// Decode reads the packet from the reader.
func (p *DisconnectPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return p.decode(r, header, PacketDISCONNECT, version)
}

// Validate validates the packet contents.
func (p *DisconnectPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketDISCONNECT) {
		return ErrInvalidReasonCode
	}
	return nil
}
