package mqttclient

import (
	"errors"
	"io"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// Control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
	PacketAUTH        PacketType = 15
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
	PacketAUTH:        "AUTH",
}

// String returns the string representation of the packet type.
func (p PacketType) String() string {
	if !p.Valid() {
		return "UNKNOWN"
	}
	return packetTypeNames[p]
}

// Valid returns true if the packet type is valid.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketAUTH
}

// requiredFlags returns the fixed flag nibble for the packet type.
// PUBLISH carries variable flags and reports ok=false.
func (p PacketType) requiredFlags() (byte, bool) {
	switch p {
	case PacketPUBLISH:
		return 0, false
	case PacketPUBREL, PacketSUBSCRIBE, PacketUNSUBSCRIBE:
		return 0x02, true
	default:
		return 0x00, true
	}
}

// Fixed header errors.
var (
	ErrInvalidPacketType  = errors.New("invalid packet type")
	ErrInvalidPacketFlags = errors.New("invalid packet flags")
)

// PUBLISH flag bits.
const (
	flagRetain byte = 0x01
	flagQoS    byte = 0x06
	flagDUP    byte = 0x08
)

// FixedHeader represents the fixed header of an MQTT control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// Encode writes the fixed header to the writer.
func (h *FixedHeader) Encode(w io.Writer) (int, error) {
	if !h.PacketType.Valid() {
		return 0, ErrInvalidPacketType
	}

	n, err := w.Write([]byte{byte(h.PacketType)<<4 | (h.Flags & 0x0F)})
	if err != nil {
		return n, err
	}

	n2, err := encodeVarint(w, h.RemainingLength)
	return n + n2, err
}

// Decode reads the fixed header from the reader.
func (h *FixedHeader) Decode(r io.Reader) (int, error) {
	first, n, err := readByte(r)
	if err != nil {
		return n, err
	}

	h.PacketType = PacketType(first >> 4)
	h.Flags = first & 0x0F

	if !h.PacketType.Valid() {
		return n, ErrInvalidPacketType
	}

	length, n2, err := decodeVarint(r)
	n += n2
	if err != nil {
		return n, err
	}

	h.RemainingLength = length
	return n, nil
}

// parseFixedHeader decodes a fixed header from the start of data without
// consuming a reader. ErrIncomplete reports that more bytes are required.
func parseFixedHeader(data []byte) (FixedHeader, int, error) {
	if len(data) == 0 {
		return FixedHeader{}, 0, ErrIncomplete
	}

	h := FixedHeader{
		PacketType: PacketType(data[0] >> 4),
		Flags:      data[0] & 0x0F,
	}
	if !h.PacketType.Valid() {
		return h, 1, ErrInvalidPacketType
	}

	length, n, err := DecodeVariableByteInteger(data[1:])
	if err != nil {
		return h, 1 + n, err
	}

	h.RemainingLength = uint32(length)
	return h, 1 + n, nil
}

// Size returns the encoded size of the fixed header in bytes.
func (h *FixedHeader) Size() int {
	return 1 + varintSize(h.RemainingLength)
}

// ValidateFlags validates the flag nibble for the packet type.
func (h *FixedHeader) ValidateFlags() error {
	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}

	required, fixed := h.PacketType.requiredFlags()
	if fixed {
		if h.Flags != required {
			return ErrInvalidPacketFlags
		}
		return nil
	}

	if h.QoS() > 2 {
		return ErrInvalidPacketFlags
	}
	return nil
}

// DUP returns the DUP flag from PUBLISH packet flags.
func (h *FixedHeader) DUP() bool {
	return h.Flags&flagDUP != 0
}

// QoS returns the QoS level from PUBLISH packet flags.
func (h *FixedHeader) QoS() byte {
	return (h.Flags & flagQoS) >> 1
}

// Retain returns the RETAIN flag from PUBLISH packet flags.
func (h *FixedHeader) Retain() bool {
	return h.Flags&flagRetain != 0
}
