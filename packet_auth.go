package mqttclient

import (
	"errors"
	"io"
)

// ErrAuthNotSupported is returned when AUTH is used with protocol v3.1.1.
var ErrAuthNotSupported = errors.New("AUTH requires protocol version 5")

// AuthPacket represents an MQTT v5 AUTH packet.
type AuthPacket struct{ reasonBody }

// Type returns the packet type.
func (p *AuthPacket) Type() PacketType { return PacketAUTH }

// Encode writes the packet to the writer.
func (p *AuthPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if !version.hasProperties() {
		return 0, ErrAuthNotSupported
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p.encode(w, PacketAUTH, version)
}

// Decode reads the packet from the reader.
func (p *AuthPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if !version.hasProperties() {
		return 0, ErrAuthNotSupported
	}
	return p.decode(r, header, PacketAUTH, version)
}

// Validate validates the packet contents.
func (p *AuthPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketAUTH) {
		return ErrInvalidReasonCode
	}
	if p.ReasonCode != ReasonSuccess && !p.Props.Has(PropAuthenticationMethod) {
		return ErrProtocolViolation
	}
	return nil
}
