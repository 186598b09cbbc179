package mqttclient

import (
	"errors"
	"fmt"
	"io"
)

// PropertyID represents an MQTT v5.0 property identifier.
type PropertyID byte

// Property identifiers.
const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// PropertyType represents the data type of a property value.
type PropertyType byte

const (
	PropTypeByte        PropertyType = iota // Single byte
	PropTypeTwoByteInt                      // Two byte integer (uint16)
	PropTypeFourByteInt                     // Four byte integer (uint32)
	PropTypeVarInt                          // Variable byte integer
	PropTypeString                          // UTF-8 encoded string
	PropTypeBinary                          // Binary data
	PropTypeStringPair                      // UTF-8 string pair
)

type propertyInfo struct {
	kind       PropertyType
	repeatable bool
}

var propertyTable = map[PropertyID]propertyInfo{
	PropPayloadFormatIndicator:   {kind: PropTypeByte},
	PropMessageExpiryInterval:    {kind: PropTypeFourByteInt},
	PropContentType:              {kind: PropTypeString},
	PropResponseTopic:            {kind: PropTypeString},
	PropCorrelationData:          {kind: PropTypeBinary},
	PropSubscriptionIdentifier:   {kind: PropTypeVarInt, repeatable: true},
	PropSessionExpiryInterval:    {kind: PropTypeFourByteInt},
	PropAssignedClientIdentifier: {kind: PropTypeString},
	PropServerKeepAlive:          {kind: PropTypeTwoByteInt},
	PropAuthenticationMethod:     {kind: PropTypeString},
	PropAuthenticationData:       {kind: PropTypeBinary},
	PropRequestProblemInfo:       {kind: PropTypeByte},
	PropWillDelayInterval:        {kind: PropTypeFourByteInt},
	PropRequestResponseInfo:      {kind: PropTypeByte},
	PropResponseInformation:      {kind: PropTypeString},
	PropServerReference:          {kind: PropTypeString},
	PropReasonString:             {kind: PropTypeString},
	PropReceiveMaximum:           {kind: PropTypeTwoByteInt},
	PropTopicAliasMaximum:        {kind: PropTypeTwoByteInt},
	PropTopicAlias:               {kind: PropTypeTwoByteInt},
	PropMaximumQoS:               {kind: PropTypeByte},
	PropRetainAvailable:          {kind: PropTypeByte},
	PropUserProperty:             {kind: PropTypeStringPair, repeatable: true},
	PropMaximumPacketSize:        {kind: PropTypeFourByteInt},
	PropWildcardSubAvailable:     {kind: PropTypeByte},
	PropSubscriptionIDAvailable:  {kind: PropTypeByte},
	PropSharedSubAvailable:       {kind: PropTypeByte},
}

// PropertyType returns the data type for this property ID.
func (p PropertyID) PropertyType() PropertyType {
	return propertyTable[p].kind
}

// Repeatable reports whether the property may occur more than once in a packet.
func (p PropertyID) Repeatable() bool {
	return propertyTable[p].repeatable
}

// Property errors.
var (
	ErrUnknownPropertyID    = errors.New("unknown property identifier")
	ErrDuplicateProperty    = errors.New("duplicate property not allowed")
	ErrPropertyLengthExceed = errors.New("property exceeds declared properties length")
)

// Properties represents a collection of MQTT v5.0 properties.
type Properties struct {
	props []property
}

type property struct {
	id    PropertyID
	value any
}

// Len returns the number of properties in the collection.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

// Has returns true if the property with the given ID exists.
func (p *Properties) Has(id PropertyID) bool {
	return p.Get(id) != nil
}

// Get returns the first value of the property with the given ID, or nil.
func (p *Properties) Get(id PropertyID) any {
	if p == nil {
		return nil
	}
	for i := range p.props {
		if p.props[i].id == id {
			return p.props[i].value
		}
	}
	return nil
}

// GetAll returns all values for properties with the given ID.
func (p *Properties) GetAll(id PropertyID) []any {
	if p == nil {
		return nil
	}
	var result []any
	for i := range p.props {
		if p.props[i].id == id {
			result = append(result, p.props[i].value)
		}
	}
	return result
}

// Set replaces any existing value for id.
func (p *Properties) Set(id PropertyID, value any) {
	if p == nil {
		return
	}
	for i := range p.props {
		if p.props[i].id == id {
			p.props[i].value = value
			return
		}
	}
	p.props = append(p.props, property{id: id, value: value})
}

// Add appends a value. Use this for repeatable properties.
func (p *Properties) Add(id PropertyID, value any) {
	if p == nil {
		return
	}
	p.props = append(p.props, property{id: id, value: value})
}

// Delete removes all properties with the given ID.
func (p *Properties) Delete(id PropertyID) {
	if p == nil {
		return
	}
	n := 0
	for i := range p.props {
		if p.props[i].id != id {
			p.props[n] = p.props[i]
			n++
		}
	}
	p.props = p.props[:n]
}

// Clone returns a deep copy of the collection.
func (p *Properties) Clone() Properties {
	if p == nil || len(p.props) == 0 {
		return Properties{}
	}
	out := Properties{props: make([]property, len(p.props))}
	for i, prop := range p.props {
		if b, ok := prop.value.([]byte); ok {
			prop.value = append([]byte(nil), b...)
		}
		out.props[i] = prop
	}
	return out
}

// GetByte returns the byte value of a property, or 0 if not found.
func (p *Properties) GetByte(id PropertyID) byte {
	v, _ := p.Get(id).(byte)
	return v
}

// GetUint16 returns the uint16 value of a property, or 0 if not found.
func (p *Properties) GetUint16(id PropertyID) uint16 {
	v, _ := p.Get(id).(uint16)
	return v
}

// GetUint32 returns the uint32 value of a property, or 0 if not found.
func (p *Properties) GetUint32(id PropertyID) uint32 {
	v, _ := p.Get(id).(uint32)
	return v
}

// GetString returns the string value of a property, or empty string if not found.
func (p *Properties) GetString(id PropertyID) string {
	v, _ := p.Get(id).(string)
	return v
}

// GetBinary returns the binary value of a property, or nil if not found.
func (p *Properties) GetBinary(id PropertyID) []byte {
	v, _ := p.Get(id).([]byte)
	return v
}

// GetAllStringPairs returns all string pair values for the given property ID.
func (p *Properties) GetAllStringPairs(id PropertyID) []StringPair {
	var result []StringPair
	for _, v := range p.GetAll(id) {
		if sp, ok := v.(StringPair); ok {
			result = append(result, sp)
		}
	}
	return result
}

// GetAllVarInts returns all variable integer values for the given property ID.
func (p *Properties) GetAllVarInts(id PropertyID) []uint32 {
	var result []uint32
	for _, v := range p.GetAll(id) {
		if u, ok := v.(uint32); ok {
			result = append(result, u)
		}
	}
	return result
}

// Encode writes the length-prefixed property block to w.
func (p *Properties) Encode(w io.Writer) (int, error) {
	n, err := encodeVarint(w, uint32(p.size()))
	if err != nil || p == nil {
		return n, err
	}

	for i := range p.props {
		n2, err := encodeProperty(w, &p.props[i])
		n += n2
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// encodedSize returns the size of the block including its length prefix.
func (p *Properties) encodedSize() int {
	size := p.size()
	return varintSize(uint32(size)) + size
}

func encodeProperty(w io.Writer, prop *property) (int, error) {
	n, err := w.Write([]byte{byte(prop.id)})
	if err != nil {
		return n, err
	}

	var n2 int
	switch prop.id.PropertyType() {
	case PropTypeByte:
		b, _ := prop.value.(byte)
		n2, err = w.Write([]byte{b})
	case PropTypeTwoByteInt:
		v, _ := prop.value.(uint16)
		n2, err = writeUint16(w, v)
	case PropTypeFourByteInt:
		v, _ := prop.value.(uint32)
		n2, err = writeUint32(w, v)
	case PropTypeVarInt:
		v, _ := prop.value.(uint32)
		n2, err = encodeVarint(w, v)
	case PropTypeString:
		s, _ := prop.value.(string)
		n2, err = encodeString(w, s)
	case PropTypeBinary:
		b, _ := prop.value.([]byte)
		n2, err = encodeBinary(w, b)
	case PropTypeStringPair:
		sp, _ := prop.value.(StringPair)
		n2, err = encodeStringPair(w, sp)
	}

	return n + n2, err
}

func (p *Properties) size() int {
	if p == nil {
		return 0
	}

	size := 0
	for i := range p.props {
		prop := &p.props[i]
		size++

		switch prop.id.PropertyType() {
		case PropTypeByte:
			size++
		case PropTypeTwoByteInt:
			size += 2
		case PropTypeFourByteInt:
			size += 4
		case PropTypeVarInt:
			v, _ := prop.value.(uint32)
			size += varintSize(v)
		case PropTypeString:
			s, _ := prop.value.(string)
			size += 2 + len(s)
		case PropTypeBinary:
			b, _ := prop.value.([]byte)
			size += 2 + len(b)
		case PropTypeStringPair:
			sp, _ := prop.value.(StringPair)
			size += 4 + len(sp.Key) + len(sp.Value)
		}
	}
	return size
}

// Decode reads a length-prefixed property block from r. Unknown identifiers
// and repeated non-repeatable properties are rejected.
func (p *Properties) Decode(r io.Reader) (int, error) {
	length, n, err := decodeVarint(r)
	if err != nil {
		return n, err
	}

	seen := make(map[PropertyID]struct{})
	remaining := int(length)
	for remaining > 0 {
		idByte, n2, err := readByte(r)
		n += n2
		remaining -= n2
		if err != nil {
			return n, err
		}

		id := PropertyID(idByte)
		info, ok := propertyTable[id]
		if !ok {
			return n, fmt.Errorf("%w: 0x%02X", ErrUnknownPropertyID, idByte)
		}
		if _, dup := seen[id]; dup && !info.repeatable {
			return n, fmt.Errorf("%w: 0x%02X", ErrDuplicateProperty, idByte)
		}
		seen[id] = struct{}{}

		value, n3, err := decodePropertyValue(r, info.kind)
		n += n3
		remaining -= n3
		if err != nil {
			return n, err
		}
		if remaining < 0 {
			return n, ErrPropertyLengthExceed
		}

		p.props = append(p.props, property{id: id, value: value})
	}

	return n, nil
}

func decodePropertyValue(r io.Reader, kind PropertyType) (any, int, error) {
	switch kind {
	case PropTypeByte:
		return readByte(r)
	case PropTypeTwoByteInt:
		return readUint16(r)
	case PropTypeFourByteInt:
		return readUint32(r)
	case PropTypeVarInt:
		return decodeVarint(r)
	case PropTypeString:
		return decodeString(r)
	case PropTypeBinary:
		return decodeBinary(r)
	case PropTypeStringPair:
		return decodeStringPair(r)
	default:
		return nil, 0, ErrUnknownPropertyID
	}
}
