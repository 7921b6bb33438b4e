package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Key encoding tags. Byte order of encoded keys equals Value.Compare order
// for tuples of the same column types, and an encoded tuple is a prefix of
// the encoding of any longer tuple starting with the same values.
const (
	keyNull   byte = 0x01
	keyFalse  byte = 0x02
	keyTrue   byte = 0x03
	keyInt    byte = 0x04
	keyFloat  byte = 0x05
	keyString byte = 0x06
	keyBinary byte = 0x07

	escape     byte = 0x00
	escaped00  byte = 0xff
	terminator byte = 0x01
)

// EncodeKey encodes a tuple of values into an order-preserving key.
func EncodeKey(values ...Value) []byte {
	var dst []byte
	for _, v := range values {
		dst = AppendKey(dst, v)
	}
	return dst
}

// AppendKey appends the key encoding of v to dst.
func AppendKey(dst []byte, v Value) []byte {
	switch v.kind {
	case KindBool:
		if v.Bool() {
			return append(dst, keyTrue)
		}
		return append(dst, keyFalse)
	case KindInt:
		dst = append(dst, keyInt)
		return binary.BigEndian.AppendUint64(dst, v.num^(1<<63))
	case KindFloat:
		bits := v.num
		switch f := v.Float(); {
		case math.IsNaN(f):
			// Compare puts every NaN below -Inf.
			return binary.BigEndian.AppendUint64(append(dst, keyFloat), 0)
		case f == 0:
			bits = 0
		}
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = append(dst, keyFloat)
		return binary.BigEndian.AppendUint64(dst, bits)
	case KindString, KindBinary:
		tag := keyString
		if v.kind == KindBinary {
			tag = keyBinary
		}
		dst = append(dst, tag)
		for _, b := range v.data {
			if b == escape {
				dst = append(dst, escape, escaped00)
				continue
			}
			dst = append(dst, b)
		}
		return append(dst, escape, terminator)
	default:
		return append(dst, keyNull)
	}
}

// DecodeKey decodes a key produced by EncodeKey.
func DecodeKey(key []byte) ([]Value, error) {
	var values []Value
	for len(key) > 0 {
		tag := key[0]
		key = key[1:]
		switch tag {
		case keyNull:
			values = append(values, Null())
		case keyFalse, keyTrue:
			values = append(values, Bool(tag == keyTrue))
		case keyInt, keyFloat:
			if len(key) < 8 {
				return nil, fmt.Errorf("truncated key: %w", ErrRowEncoding)
			}
			bits := binary.BigEndian.Uint64(key)
			key = key[8:]
			if tag == keyInt {
				values = append(values, Int(int64(bits^(1<<63))))
				continue
			}
			if bits&(1<<63) != 0 {
				bits &^= 1 << 63
			} else {
				bits = ^bits
			}
			values = append(values, Float(math.Float64frombits(bits)))
		case keyString, keyBinary:
			var data []byte
			done := false
			for len(key) > 0 && !done {
				b := key[0]
				key = key[1:]
				if b != escape {
					data = append(data, b)
					continue
				}
				if len(key) == 0 {
					return nil, fmt.Errorf("truncated key: %w", ErrRowEncoding)
				}
				switch key[0] {
				case escaped00:
					data = append(data, 0)
				case terminator:
					done = true
				default:
					return nil, fmt.Errorf("bad key escape %#x: %w", key[0], ErrRowEncoding)
				}
				key = key[1:]
			}
			if !done {
				return nil, fmt.Errorf("unterminated key string: %w", ErrRowEncoding)
			}
			if tag == keyString {
				values = append(values, Value{kind: KindString, data: data})
			} else {
				values = append(values, Value{kind: KindBinary, data: data})
			}
		default:
			return nil, fmt.Errorf("key tag %#x: %w", tag, ErrRowEncoding)
		}
	}
	return values, nil
}
