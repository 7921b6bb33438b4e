// Package record defines typed column values, table schemas and the two
// encodings rows are stored with: a compact tagged row encoding and an
// order-preserving key encoding used for index keys.
package record

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// Kind is the type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindBinary
	KindBool
)

var kindNames = [...]string{
	KindNull:   "null",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBinary: "binary",
	KindBool:   "bool",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText stores kinds by name in table descriptors.
func (k Kind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) {
		return nil, fmt.Errorf("unknown kind %d", k)
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind resolves a type name such as "int" or "string".
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown type %q: %w", name, ErrTypeMismatch)
}

// Value is a single typed column value. The zero Value is Null.
type Value struct {
	kind Kind
	num  uint64 // int, float bits, bool
	data []byte // string, binary
}

func Null() Value { return Value{} }

func Int(v int64) Value { return Value{kind: KindInt, num: uint64(v)} }

func Float(v float64) Value { return Value{kind: KindFloat, num: math.Float64bits(v)} }

func String(v string) Value { return Value{kind: KindString, data: []byte(v)} }

func Binary(v []byte) Value { return Value{kind: KindBinary, data: bytes.Clone(v)} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

// Of converts a Go value. Supported: nil, ints, floats, string, []byte, bool.
func Of(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint32:
		return Int(int64(x)), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Binary(x), nil
	case bool:
		return Bool(x), nil
	default:
		return Value{}, fmt.Errorf("%T: %w", v, ErrTypeMismatch)
	}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) Int() int64     { return int64(v.num) }
func (v Value) Float() float64 { return math.Float64frombits(v.num) }
func (v Value) Bool() bool     { return v.num != 0 }
func (v Value) Str() string    { return string(v.data) }
func (v Value) Bytes() []byte  { return v.data }

// Any returns the value as a plain Go value, nil for Null.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.Int()
	case KindFloat:
		return v.Float()
	case KindString:
		return v.Str()
	case KindBinary:
		return v.data
	case KindBool:
		return v.Bool()
	default:
		return nil
	}
}

// Compare orders values of the same kind. Null sorts before everything and
// different kinds order by kind.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		return cmp.Compare(v.kind, o.kind)
	}
	switch v.kind {
	case KindInt:
		return cmp.Compare(v.Int(), o.Int())
	case KindFloat:
		return cmp.Compare(v.Float(), o.Float())
	case KindString, KindBinary:
		return bytes.Compare(v.data, o.data)
	case KindBool:
		return cmp.Compare(v.num, o.num)
	default:
		return 0
	}
}

func (v Value) Equal(o Value) bool {
	return v.Compare(o) == 0
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str())
	case KindBinary:
		return "x'" + hex.EncodeToString(v.data) + "'"
	case KindBool:
		return strconv.FormatBool(v.Bool())
	default:
		return "null"
	}
}
