package lwm2m

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TLVKind is the identifier type carried in bits 7-6 of a TLV type byte.
type TLVKind uint8

const (
	KindObjectInstance   TLVKind = 0
	KindResourceInstance TLVKind = 1
	KindMultipleResource TLVKind = 2
	KindResource         TLVKind = 3
)

var ErrTruncatedTLV = errors.New("truncated TLV")

// TLV is one entry of an application/vnd.oma.lwm2m+tlv payload. Object
// instances and multiple resources carry Children instead of Value.
type TLV struct {
	Kind     TLVKind
	ID       uint16
	Value    []byte
	Children []TLV
}

func Instance(id uint16, children ...TLV) TLV {
	return TLV{Kind: KindObjectInstance, ID: id, Children: children}
}

func Resource(id uint16, value []byte) TLV {
	return TLV{Kind: KindResource, ID: id, Value: value}
}

func MultipleResource(id uint16, instances ...TLV) TLV {
	return TLV{Kind: KindMultipleResource, ID: id, Children: instances}
}

func ResourceInstance(id uint16, value []byte) TLV {
	return TLV{Kind: KindResourceInstance, ID: id, Value: value}
}

// EncodeTLV serializes entries back to back.
func EncodeTLV(entries ...TLV) []byte {
	var out []byte
	for _, e := range entries {
		out = appendTLV(out, e)
	}
	return out
}

func appendTLV(out []byte, e TLV) []byte {
	value := e.Value
	if e.Kind == KindObjectInstance || e.Kind == KindMultipleResource {
		value = EncodeTLV(e.Children...)
	}

	typ := byte(e.Kind) << 6
	if e.ID > 0xff {
		typ |= 1 << 5
	}
	n := len(value)
	switch {
	case n < 8:
		typ |= byte(n)
	case n <= 0xff:
		typ |= 1 << 3
	case n <= 0xffff:
		typ |= 2 << 3
	default:
		typ |= 3 << 3
	}

	out = append(out, typ)
	if e.ID > 0xff {
		out = binary.BigEndian.AppendUint16(out, e.ID)
	} else {
		out = append(out, byte(e.ID))
	}
	switch {
	case n < 8:
	case n <= 0xff:
		out = append(out, byte(n))
	case n <= 0xffff:
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, byte(n>>16), byte(n>>8), byte(n))
	}
	return append(out, value...)
}

// DecodeTLV parses a payload, descending into instances and multiple
// resources.
func DecodeTLV(data []byte) ([]TLV, error) {
	var entries []TLV
	for len(data) > 0 {
		e, rest, err := decodeOne(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		data = rest
	}
	return entries, nil
}

func decodeOne(data []byte) (TLV, []byte, error) {
	typ := data[0]
	pos := 1
	e := TLV{Kind: TLVKind(typ >> 6)}

	if typ&(1<<5) != 0 {
		if len(data) < pos+2 {
			return TLV{}, nil, ErrTruncatedTLV
		}
		e.ID = binary.BigEndian.Uint16(data[pos:])
		pos += 2
	} else {
		if len(data) < pos+1 {
			return TLV{}, nil, ErrTruncatedTLV
		}
		e.ID = uint16(data[pos])
		pos++
	}

	var n int
	switch lenType := (typ >> 3) & 0x3; lenType {
	case 0:
		n = int(typ & 0x7)
	default:
		width := int(lenType)
		if len(data) < pos+width {
			return TLV{}, nil, ErrTruncatedTLV
		}
		for i := 0; i < width; i++ {
			n = n<<8 | int(data[pos+i])
		}
		pos += width
	}
	if len(data) < pos+n {
		return TLV{}, nil, ErrTruncatedTLV
	}
	value := data[pos : pos+n]

	if e.Kind == KindObjectInstance || e.Kind == KindMultipleResource {
		children, err := DecodeTLV(value)
		if err != nil {
			return TLV{}, nil, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		e.Children = children
	} else {
		e.Value = append([]byte(nil), value...)
	}
	return e, data[pos+n:], nil
}

// Child returns the direct child with the given id.
func (e TLV) Child(id uint16) (TLV, bool) {
	for _, c := range e.Children {
		if c.ID == id {
			return c, true
		}
	}
	return TLV{}, false
}

// Int decodes a 1, 2, 4 or 8 byte big-endian signed integer value.
func (e TLV) Int() (int64, error) {
	v := e.Value
	switch len(v) {
	case 1:
		return int64(int8(v[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(v))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(v))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(v)), nil
	default:
		return 0, fmt.Errorf("invalid integer length %d", len(v))
	}
}

// IntValue encodes v in the shortest TLV integer width.
func IntValue(v int64) []byte {
	switch {
	case v >= -128 && v <= 127:
		return []byte{byte(int8(v))}
	case v >= -32768 && v <= 32767:
		return binary.BigEndian.AppendUint16(nil, uint16(int16(v)))
	case v >= -2147483648 && v <= 2147483647:
		return binary.BigEndian.AppendUint32(nil, uint32(int32(v)))
	default:
		return binary.BigEndian.AppendUint64(nil, uint64(v))
	}
}
