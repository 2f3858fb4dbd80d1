// Package document holds the comparable key values stored in index nodes and
// the document payloads stored in data blocks.
package document

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Type is the kind of a Value. The declaration order is the cross-type sort
// order; Int and Double share a rank and compare numerically.
type Type byte

const (
	TypeMinValue Type = iota
	TypeNull
	TypeInt
	TypeDouble
	TypeString
	TypeBinary
	TypeBoolean
	TypeDateTime
	TypeMaxValue
)

func (t Type) String() string {
	switch t {
	case TypeMinValue:
		return "MinValue"
	case TypeNull:
		return "Null"
	case TypeInt:
		return "Int"
	case TypeDouble:
		return "Double"
	case TypeString:
		return "String"
	case TypeBinary:
		return "Binary"
	case TypeBoolean:
		return "Boolean"
	case TypeDateTime:
		return "DateTime"
	case TypeMaxValue:
		return "MaxValue"
	default:
		return "Type(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t Type) rank() int {
	if t == TypeDouble {
		return int(TypeInt)
	}
	return int(t)
}

// MaxKeyLength is the largest encoded size of a key accepted by an index.
const MaxKeyLength = 1023

// Value is an immutable, comparable key value.
type Value struct {
	typ Type
	i   int64
	f   float64
	s   string
	b   []byte
}

func MinValue() Value { return Value{typ: TypeMinValue} }
func MaxValue() Value { return Value{typ: TypeMaxValue} }
func Null() Value     { return Value{typ: TypeNull} }

func Int(v int64) Value      { return Value{typ: TypeInt, i: v} }
func Double(v float64) Value { return Value{typ: TypeDouble, f: v} }
func String(v string) Value  { return Value{typ: TypeString, s: v} }

func Binary(v []byte) Value {
	return Value{typ: TypeBinary, b: append([]byte(nil), v...)}
}

func Bool(v bool) Value {
	if v {
		return Value{typ: TypeBoolean, i: 1}
	}
	return Value{typ: TypeBoolean}
}

// DateTime stores t with nanosecond precision in UTC.
func DateTime(t time.Time) Value {
	return Value{typ: TypeDateTime, i: t.UTC().UnixNano()}
}

func (v Value) Type() Type        { return v.typ }
func (v Value) IsMinValue() bool  { return v.typ == TypeMinValue }
func (v Value) IsMaxValue() bool  { return v.typ == TypeMaxValue }
func (v Value) IsNull() bool      { return v.typ == TypeNull }
func (v Value) IsSentinel() bool  { return v.typ == TypeMinValue || v.typ == TypeMaxValue }
func (v Value) IsNumber() bool    { return v.typ == TypeInt || v.typ == TypeDouble }
func (v Value) AsString() string  { return v.s }
func (v Value) AsBool() bool      { return v.i != 0 }
func (v Value) AsBinary() []byte  { return v.b }
func (v Value) AsTime() time.Time { return time.Unix(0, v.i).UTC() }

// AsInt64 returns the integer form of a numeric value.
func (v Value) AsInt64() (int64, bool) {
	switch v.typ {
	case TypeInt:
		return v.i, true
	case TypeDouble:
		if v.f == math.Trunc(v.f) && v.f >= math.MinInt64 && v.f <= math.MaxInt64 {
			return int64(v.f), true
		}
	}
	return 0, false
}

func (v Value) asFloat() float64 {
	if v.typ == TypeInt {
		return float64(v.i)
	}
	return v.f
}

// Interface converts the value back to a plain Go value.
func (v Value) Interface() any {
	switch v.typ {
	case TypeInt:
		return v.i
	case TypeDouble:
		return v.f
	case TypeString:
		return v.s
	case TypeBinary:
		return v.b
	case TypeBoolean:
		return v.AsBool()
	case TypeDateTime:
		return v.AsTime()
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.typ {
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return strconv.Quote(v.s)
	case TypeBinary:
		return fmt.Sprintf("0x%x", v.b)
	case TypeBoolean:
		return strconv.FormatBool(v.AsBool())
	case TypeDateTime:
		return v.AsTime().Format(time.RFC3339Nano)
	default:
		return v.typ.String()
	}
}

// Compare orders a and b. A nil collation compares strings ordinally.
func Compare(a, b Value, c *Collation) int {
	ra, rb := a.typ.rank(), b.typ.rank()
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch a.typ {
	case TypeMinValue, TypeMaxValue, TypeNull:
		return 0
	case TypeInt, TypeDouble:
		if a.typ == TypeInt && b.typ == TypeInt {
			return cmpInt(a.i, b.i)
		}
		fa, fb := a.asFloat(), b.asFloat()
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case TypeString:
		return c.Compare(a.s, b.s)
	case TypeBinary:
		return bytes.Compare(a.b, b.b)
	case TypeBoolean, TypeDateTime:
		return cmpInt(a.i, b.i)
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports whether a and b compare equal.
func Equal(a, b Value, c *Collation) bool { return Compare(a, b, c) == 0 }

// --- Binary encoding ---

// EncodedSize returns the number of bytes AppendBinary writes.
func (v Value) EncodedSize() int {
	switch v.typ {
	case TypeInt, TypeDouble, TypeDateTime:
		return 1 + 8
	case TypeString:
		return 1 + 2 + len(v.s)
	case TypeBinary:
		return 1 + 2 + len(v.b)
	case TypeBoolean:
		return 1 + 1
	default:
		return 1
	}
}

// AppendBinary appends the encoded value to dst.
func (v Value) AppendBinary(dst []byte) []byte {
	dst = append(dst, byte(v.typ))
	switch v.typ {
	case TypeInt, TypeDateTime:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(v.i))
	case TypeDouble:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.f))
	case TypeString:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(v.s)))
		dst = append(dst, v.s...)
	case TypeBinary:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(v.b)))
		dst = append(dst, v.b...)
	case TypeBoolean:
		dst = append(dst, byte(v.i))
	}
	return dst
}

// DecodeValue reads one value from buf and returns it with the bytes consumed.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, fmt.Errorf("%w: empty key buffer", dberror.ErrInvalidPageData)
	}
	v := Value{typ: Type(buf[0])}
	rest := buf[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%w: truncated %s key", dberror.ErrInvalidPageData, v.typ)
		}
		return nil
	}

	switch v.typ {
	case TypeMinValue, TypeMaxValue, TypeNull:
		return v, 1, nil
	case TypeInt, TypeDateTime:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		v.i = int64(binary.LittleEndian.Uint64(rest))
		return v, 9, nil
	case TypeDouble:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		v.f = math.Float64frombits(binary.LittleEndian.Uint64(rest))
		return v, 9, nil
	case TypeString, TypeBinary:
		if err := need(2); err != nil {
			return Value{}, 0, err
		}
		n := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
		if err := need(n); err != nil {
			return Value{}, 0, err
		}
		if v.typ == TypeString {
			v.s = string(rest[:n])
		} else {
			v.b = append([]byte(nil), rest[:n]...)
		}
		return v, 3 + n, nil
	case TypeBoolean:
		if err := need(1); err != nil {
			return Value{}, 0, err
		}
		v.i = int64(rest[0])
		return v, 2, nil
	}
	return Value{}, 0, fmt.Errorf("%w: unknown key type %d", dberror.ErrInvalidPageData, buf[0])
}

// ValueOf converts a plain Go value into a key Value.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return Double(float64(t)), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case time.Time:
		return DateTime(t), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported key type %T", dberror.ErrInvalidIndexKey, x)
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return Double(float64(u))
	}
	return Int(int64(u))
}
