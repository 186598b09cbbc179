package mqttclient

import (
	"errors"
	"io"
)

const protocolName = "MQTT"

// Connect flag bits.
const (
	connectFlagCleanStart   = 0x02
	connectFlagWillFlag     = 0x04
	connectFlagWillRetain   = 0x20
	connectFlagPasswordFlag = 0x40
	connectFlagUsernameFlag = 0x80
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName = errors.New("invalid protocol name")
	ErrInvalidConnectFlags = errors.New("invalid connect flags")
	ErrClientIDTooLong     = errors.New("client ID too long")
	ErrClientIDRequired    = errors.New("client ID required with clean start false")
)

// ConnectPacket represents an MQTT CONNECT packet.
type ConnectPacket struct {
	// ProtocolVersion selects the wire layout. Zero means the version
	// passed to Encode.
	ProtocolVersion ProtocolVersion

	ClientID string

	// CleanStart is the v5 Clean Start flag, or the v3.1.1 Clean Session flag.
	CleanStart bool

	// KeepAlive is the keep alive interval in seconds.
	KeepAlive uint16

	Props Properties

	Username string
	Password []byte

	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
	WillProps   Properties
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

func (p *ConnectPacket) connectFlags() byte {
	var flags byte

	if p.CleanStart {
		flags |= connectFlagCleanStart
	}
	if p.WillFlag {
		flags |= connectFlagWillFlag
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if len(p.Password) > 0 {
		flags |= connectFlagPasswordFlag
	}
	if p.Username != "" {
		flags |= connectFlagUsernameFlag
	}

	return flags
}

func (p *ConnectPacket) setConnectFlags(flags byte) error {
	if flags&0x01 != 0 {
		return ErrInvalidConnectFlags
	}

	p.CleanStart = flags&connectFlagCleanStart != 0
	p.WillFlag = flags&connectFlagWillFlag != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	if !p.WillFlag && (p.WillQoS != 0 || p.WillRetain) {
		return ErrInvalidConnectFlags
	}
	if p.WillQoS > 2 {
		return ErrInvalidConnectFlags
	}

	return nil
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if p.ProtocolVersion != 0 {
		version = p.ProtocolVersion
	}
	if !version.Valid() {
		return 0, ErrInvalidProtocolVersion
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	encodeString(body, protocolName)
	body.WriteByte(byte(version))
	body.WriteByte(p.connectFlags())
	writeUint16(body, p.KeepAlive)

	if version.hasProperties() {
		if _, err := p.Props.Encode(body); err != nil {
			return 0, err
		}
	}

	if _, err := encodeString(body, p.ClientID); err != nil {
		return 0, err
	}

	if p.WillFlag {
		if version.hasProperties() {
			if _, err := p.WillProps.Encode(body); err != nil {
				return 0, err
			}
		}
		if _, err := encodeString(body, p.WillTopic); err != nil {
			return 0, err
		}
		if _, err := encodeBinary(body, p.WillPayload); err != nil {
			return 0, err
		}
	}

	if p.Username != "" {
		if _, err := encodeString(body, p.Username); err != nil {
			return 0, err
		}
	}
	if len(p.Password) > 0 {
		if _, err := encodeBinary(body, p.Password); err != nil {
			return 0, err
		}
	}

	return encodeFramed(w, PacketCONNECT, 0x00, body.Bytes())
}

// Decode reads the packet from the reader. The protocol version is taken
// from the packet itself.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader, _ ProtocolVersion) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	name, total, err := decodeString(r)
	if err != nil {
		return total, err
	}
	if name != protocolName {
		return total, ErrInvalidProtocolName
	}

	level, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}
	p.ProtocolVersion = ProtocolVersion(level)
	if !p.ProtocolVersion.Valid() {
		return total, ErrInvalidProtocolVersion
	}

	flags, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}
	if err := p.setConnectFlags(flags); err != nil {
		return total, err
	}

	p.KeepAlive, n, err = readUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.ProtocolVersion.hasProperties() {
		n, err = p.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	p.ClientID, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.WillFlag {
		if p.ProtocolVersion.hasProperties() {
			n, err = p.WillProps.Decode(r)
			total += n
			if err != nil {
				return total, err
			}
		}

		p.WillTopic, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}

		p.WillPayload, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if flags&connectFlagUsernameFlag != 0 {
		p.Username, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if flags&connectFlagPasswordFlag != 0 {
		p.Password, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if err := ValidateClientID(p.ClientID); err != nil {
		return err
	}
	if !p.CleanStart && p.ClientID == "" {
		return ErrClientIDRequired
	}
	if p.WillQoS > 2 {
		return ErrInvalidConnectFlags
	}
	if !p.WillFlag && (p.WillRetain || p.WillQoS != 0) {
		return ErrInvalidConnectFlags
	}
	if p.WillFlag {
		if err := ValidateTopicName(p.WillTopic); err != nil {
			return err
		}
	}
	return nil
}
