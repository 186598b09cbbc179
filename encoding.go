package mqttclient

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintNegative     = errors.New("variable byte integer cannot be negative")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
	ErrIncomplete         = errors.New("incomplete data")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455 // 0x0FFFFFFF
	varintContinueBit = 0x80
	varintValueMask   = 0x7F

	// MaxVariableByteInteger is the largest value a variable byte integer can carry.
	MaxVariableByteInteger = maxVarint

	// maxClientIDChars is the exclusive upper bound on client identifier length in characters.
	maxClientIDChars = 65535
)

// EncodeVariableByteInteger returns the base-128 encoding of value.
// Negative values and values above MaxVariableByteInteger are rejected.
func EncodeVariableByteInteger(value int) ([]byte, error) {
	if value < 0 {
		return nil, ErrVarintNegative
	}
	if value > maxVarint {
		return nil, ErrVarintTooLarge
	}

	buf := make([]byte, 0, 4)
	v := uint32(value)
	for {
		b := byte(v & varintValueMask)
		v >>= 7
		if v > 0 {
			b |= varintContinueBit
		}
		buf = append(buf, b)
		if v == 0 {
			return buf, nil
		}
	}
}

// DecodeVariableByteInteger reads a variable byte integer from the start of data.
// It returns the value and the number of bytes consumed. ErrIncomplete is returned
// when data ends before the final byte of the integer.
func DecodeVariableByteInteger(data []byte) (int, int, error) {
	var value uint32
	var multiplier uint32 = 1

	for i := 0; i < 4; i++ {
		if i >= len(data) {
			return 0, i, ErrIncomplete
		}
		b := data[i]
		value += uint32(b&varintValueMask) * multiplier
		if b&varintContinueBit == 0 {
			return int(value), i + 1, nil
		}
		multiplier *= 128
	}

	return 0, 4, ErrVarintMalformed
}

// ValidateClientID checks a client identifier. The identifier must be valid
// UTF-8 without null characters and shorter than 65535 characters.
func ValidateClientID(id string) error {
	if !utf8.ValidString(id) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(id) >= maxClientIDChars {
		return ErrClientIDTooLong
	}
	for i := range len(id) {
		if id[i] == 0 {
			return ErrStringContainsNull
		}
	}
	return nil
}

// encodeString writes a UTF-8 string with 2-byte length prefix to w.
func encodeString(w io.Writer, s string) (int, error) {
	if len(s) > maxUint16 {
		return 0, ErrStringTooLong
	}

	if !utf8.ValidString(s) {
		return 0, ErrInvalidUTF8
	}

	for i := range len(s) {
		if s[i] == 0 {
			return 0, ErrStringContainsNull
		}
	}

	n, err := writeUint16(w, uint16(len(s)))
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeString reads a UTF-8 string with 2-byte length prefix from r.
// Encoded surrogate halves are not valid UTF-8 and are rejected here.
func decodeString(r io.Reader) (string, int, error) {
	buf, n, err := decodeBinary(r)
	if err != nil {
		return "", n, err
	}

	if !utf8.Valid(buf) {
		return "", n, ErrInvalidUTF8
	}

	for i := range len(buf) {
		if buf[i] == 0 {
			return "", n, ErrStringContainsNull
		}
	}

	return string(buf), n, nil
}

// encodeBinary writes binary data with 2-byte length prefix to w.
func encodeBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}

	n, err := writeUint16(w, uint16(len(data)))
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBinary reads binary data with 2-byte length prefix from r.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	length, n, err := readUint16(r)
	if err != nil {
		return nil, n, err
	}
	if length == 0 {
		return nil, n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return nil, n, err
	}

	return buf, n, nil
}

func writeUint16(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

func readUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

func writeUint32(w io.Writer, v uint32) (int, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return w.Write(buf[:])
}

func readUint32(r io.Reader) (uint32, int, error) {
	var buf [4]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint32(buf[:]), n, nil
}

func readByte(r io.Reader) (byte, int, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return buf[0], n, nil
}

// StringPair represents a key-value string pair used in MQTT v5.0 properties.
type StringPair struct {
	Key   string
	Value string
}

func encodeStringPair(w io.Writer, pair StringPair) (int, error) {
	n, err := encodeString(w, pair.Key)
	if err != nil {
		return n, err
	}

	n2, err := encodeString(w, pair.Value)
	return n + n2, err
}

func decodeStringPair(r io.Reader) (StringPair, int, error) {
	key, n, err := decodeString(r)
	if err != nil {
		return StringPair{}, n, err
	}

	value, n2, err := decodeString(r)
	n += n2
	if err != nil {
		return StringPair{}, n, err
	}

	return StringPair{Key: key, Value: value}, n, nil
}

// encodeVarint writes a variable byte integer to w.
func encodeVarint(w io.Writer, value uint32) (int, error) {
	buf, err := EncodeVariableByteInteger(int(value))
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// decodeVarint reads a variable byte integer from r one byte at a time.
func decodeVarint(r io.Reader) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1
	bytesRead := 0

	for {
		b, n, err := readByte(r)
		bytesRead += n
		if err != nil {
			return 0, bytesRead, err
		}

		value += uint32(b&varintValueMask) * multiplier

		if b&varintContinueBit == 0 {
			return value, bytesRead, nil
		}

		if bytesRead == 4 {
			return 0, bytesRead, ErrVarintMalformed
		}
		multiplier *= 128
	}
}

// varintSize returns the number of bytes needed to encode a variable byte integer.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
