package mqttclient

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Codec errors.
var (
	ErrPacketTooLarge    = errors.New("mqttclient: packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("mqttclient: unknown packet type")
	ErrMalformedPacket   = errors.New("mqttclient: malformed packet")
)

// Packet size limits.
const (
	// MaxPacketSizeProtocol is the largest packet the remaining length can describe.
	MaxPacketSizeProtocol uint32 = 268435455 + 5
	// MaxPacketSizeDefault is the inbound limit used when none is configured.
	MaxPacketSizeDefault uint32 = 4 * 1024 * 1024
	// MaxPacketSizeMinimal suits constrained devices.
	MaxPacketSizeMinimal uint32 = 16 * 1024
)

// newPacket returns an empty packet of the given type.
func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	case PacketAUTH:
		return &AuthPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// decodeBody decodes a packet body that is fully present in body.
func decodeBody(header FixedHeader, body []byte, version ProtocolVersion) (Packet, error) {
	if err := header.ValidateFlags(); err != nil {
		return nil, err
	}

	pkt, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	r := getBytesReader(body)
	defer putBytesReader(r)

	n, err := pkt.Decode(r, header, version)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s body truncated", ErrMalformedPacket, header.PacketType)
		}
		return nil, err
	}
	if n != len(body) {
		return nil, fmt.Errorf("%w: %s has %d trailing bytes", ErrMalformedPacket, header.PacketType, len(body)-n)
	}

	return pkt, nil
}

// DecodePacket decodes one packet from the start of data. It returns the
// packet and the number of bytes consumed. When data holds only part of a
// packet, ErrIncomplete is returned and the caller should retry with more bytes.
func DecodePacket(data []byte, version ProtocolVersion, maxSize uint32) (Packet, int, error) {
	header, n, err := parseFixedHeader(data)
	if err != nil {
		return nil, 0, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, 0, ErrPacketTooLarge
	}

	end := n + int(header.RemainingLength)
	if len(data) < end {
		return nil, 0, ErrIncomplete
	}

	pkt, err := decodeBody(header, data[n:end], version)
	if err != nil {
		return nil, end, err
	}
	return pkt, end, nil
}

// EncodePacket validates and encodes packet into a new byte slice.
func EncodePacket(packet Packet, version ProtocolVersion) ([]byte, error) {
	if err := packet.Validate(); err != nil {
		return nil, err
	}

	var buf bytesBuffer
	if _, err := packet.Encode(&buf, version); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadPacket reads a complete packet from the reader.
// If maxSize is greater than 0, packets larger than maxSize return ErrPacketTooLarge.
func ReadPacket(r io.Reader, version ProtocolVersion, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	body := make([]byte, header.RemainingLength)
	rn, err := io.ReadFull(r, body)
	n += rn
	if err != nil {
		return nil, n, err
	}

	pkt, err := decodeBody(header, body, version)
	return pkt, n, err
}

// WritePacket validates and writes a complete packet to the writer as a single write.
// If maxSize is greater than 0, packets larger than maxSize return ErrPacketTooLarge.
func WritePacket(w io.Writer, packet Packet, version ProtocolVersion, maxSize uint32) (int, error) {
	if err := packet.Validate(); err != nil {
		return 0, err
	}

	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	n, err := packet.Encode(buf, version)
	if err != nil {
		return 0, err
	}
	if maxSize > 0 && uint32(n) > maxSize {
		return 0, ErrPacketTooLarge
	}
	return w.Write(buf.Bytes())
}

// packetReader reassembles packets from a byte stream that may deliver
// partial frames, using DecodePacket's incomplete signal.
type packetReader struct {
	r       io.Reader
	version ProtocolVersion
	maxSize uint32
	buf     []byte
	chunk   []byte
}

func newPacketReader(r io.Reader, version ProtocolVersion, maxSize uint32) *packetReader {
	return &packetReader{
		r:       r,
		version: version,
		maxSize: maxSize,
		chunk:   make([]byte, 4096),
	}
}

// Next blocks until a full packet is available or the stream fails.
func (p *packetReader) Next() (Packet, error) {
	for {
		if len(p.buf) > 0 {
			pkt, n, err := DecodePacket(p.buf, p.version, p.maxSize)
			if err == nil {
				p.buf = p.buf[n:]
				if len(p.buf) == 0 {
					p.buf = nil
				}
				return pkt, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
		}

		n, err := p.r.Read(p.chunk)
		if n > 0 {
			p.buf = append(p.buf, p.chunk[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(p.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// encodeFramed writes the fixed header for body followed by body.
func encodeFramed(w io.Writer, t PacketType, flags byte, body []byte) (int, error) {
	header := FixedHeader{
		PacketType:      t,
		Flags:           flags,
		RemainingLength: uint32(len(body)),
	}

	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}

	n2, err := w.Write(body)
	return n + n2, err
}

// bytesReader wraps a byte slice for the io.Reader interface.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// bytesBuffer is a simple append-only buffer for encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}

func (b *bytesBuffer) Len() int {
	return len(b.data)
}

var (
	bytesReaderPool = sync.Pool{New: func() any { return &bytesReader{} }}
	bytesBufferPool = sync.Pool{New: func() any { return &bytesBuffer{} }}
)

func getBytesReader(data []byte) *bytesReader {
	r := bytesReaderPool.Get().(*bytesReader)
	r.data = data
	r.pos = 0
	return r
}

func putBytesReader(r *bytesReader) {
	r.data = nil
	r.pos = 0
	bytesReaderPool.Put(r)
}

func getBytesBuffer() *bytesBuffer {
	b := bytesBufferPool.Get().(*bytesBuffer)
	b.data = b.data[:0]
	return b
}

// putBytesBuffer pools buffers up to 64KB; larger ones are left to the GC.
func putBytesBuffer(b *bytesBuffer) {
	if cap(b.data) <= 65536 {
		b.data = b.data[:0]
		bytesBufferPool.Put(b)
	}
}
