package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Row is an ordered sequence of column values.
type Row []Value

// Clone returns a copy that shares no slices with r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for i, v := range r {
		if v.data != nil {
			v.data = append([]byte(nil), v.data...)
		}
		out[i] = v
	}
	return out
}

func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i].kind != o[i].kind || !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Encode serializes a row: uvarint column count, then per column a kind byte
// followed by its payload (zigzag varint for ints, 8 bytes for floats, one
// byte for bools, uvarint length and bytes for strings and binaries).
func (r Row) Encode() []byte {
	dst := binary.AppendUvarint(nil, uint64(len(r)))
	for _, v := range r {
		dst = append(dst, byte(v.kind))
		switch v.kind {
		case KindInt:
			dst = binary.AppendVarint(dst, v.Int())
		case KindFloat:
			dst = binary.LittleEndian.AppendUint64(dst, v.num)
		case KindBool:
			dst = append(dst, byte(v.num))
		case KindString, KindBinary:
			dst = binary.AppendUvarint(dst, uint64(len(v.data)))
			dst = append(dst, v.data...)
		}
	}
	return dst
}

// DecodeRow parses a row produced by Row.Encode.
func DecodeRow(b []byte) (Row, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 || n > uint64(len(b)) {
		return nil, fmt.Errorf("row header: %w", ErrRowEncoding)
	}
	b = b[sz:]

	row := make(Row, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) == 0 {
			return nil, fmt.Errorf("row truncated at column %d: %w", i, ErrRowEncoding)
		}
		kind := Kind(b[0])
		b = b[1:]

		switch kind {
		case KindNull:
			row = append(row, Null())
		case KindInt:
			x, sz := binary.Varint(b)
			if sz <= 0 {
				return nil, fmt.Errorf("column %d: %w", i, ErrRowEncoding)
			}
			b = b[sz:]
			row = append(row, Int(x))
		case KindFloat:
			if len(b) < 8 {
				return nil, fmt.Errorf("column %d: %w", i, ErrRowEncoding)
			}
			row = append(row, Float(math.Float64frombits(binary.LittleEndian.Uint64(b))))
			b = b[8:]
		case KindBool:
			if len(b) < 1 || b[0] > 1 {
				return nil, fmt.Errorf("column %d: %w", i, ErrRowEncoding)
			}
			row = append(row, Bool(b[0] == 1))
			b = b[1:]
		case KindString, KindBinary:
			l, sz := binary.Uvarint(b)
			if sz <= 0 || l > uint64(len(b)-sz) {
				return nil, fmt.Errorf("column %d: %w", i, ErrRowEncoding)
			}
			data := append([]byte(nil), b[sz:sz+int(l)]...)
			b = b[sz+int(l):]
			row = append(row, Value{kind: kind, data: data})
		default:
			return nil, fmt.Errorf("column %d kind %d: %w", i, kind, ErrRowEncoding)
		}
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(b), ErrRowEncoding)
	}
	return row, nil
}
