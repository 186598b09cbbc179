package mqttclient

import "io"

// emptyBody encodes and decodes packets that consist of a fixed header only.
type emptyBody struct{}

func (emptyBody) encode(w io.Writer, t PacketType) (int, error) {
	return encodeFramed(w, t, 0x00, nil)
}

func (emptyBody) decode(header FixedHeader, t PacketType) (int, error) {
	if header.PacketType != t {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength != 0 {
		return 0, ErrProtocolViolation
	}
	return 0, nil
}

// PingreqPacket represents an MQTT PINGREQ packet.
type PingreqPacket struct{ emptyBody }

// Type returns the packet type.
func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

// Encode writes the packet to the writer.
func (p *PingreqPacket) Encode(w io.Writer, _ ProtocolVersion) (int, error) {
	return p.encode(w, PacketPINGREQ)
}

// Decode reads the packet from the reader.
func (p *PingreqPacket) Decode(_ io.Reader, header FixedHeader, _ ProtocolVersion) (int, error) {
	return p.decode(header, PacketPINGREQ)
}

// Validate validates the packet contents.
func (p *PingreqPacket) Validate() error { return nil }

// PingrespPacket represents an MQTT PINGRESP packet.
type PingrespPacket struct{ emptyBody }

// Type returns the packet type.
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

// Encode writes the packet to the writer.
func (p *PingrespPacket) Encode(w io.Writer, _ ProtocolVersion) (int, error) {
	return p.encode(w, PacketPINGRESP)
}

// Decode reads the packet from the reader.
func (p *PingrespPacket) Decode(_ io.Reader, header FixedHeader, _ ProtocolVersion) (int, error) {
	return p.decode(header, PacketPINGRESP)
}

// Validate validates the packet contents.
func (p *PingrespPacket) Validate() error { return nil }
