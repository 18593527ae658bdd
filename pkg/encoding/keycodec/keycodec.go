// Package keycodec encodes ordered keys into byte strings whose
// lexicographic order matches the order of the keys. Encoded keys are used
// as bbolt keys and as the hashing input of partitioners.
package keycodec

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// TypeID is the first byte of every encoded key.
type TypeID uint8

const (
	TypeInt TypeID = iota + 1
	TypeUint
	TypeFloat
	TypeString
)

func (t TypeID) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeUint:
		return "uint"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	return "keycodec: " + e.Message
}

type Codec[K cmp.Ordered] interface {
	Encode(key K) []byte
	Decode(data []byte) (K, error)
}

type codec[K cmp.Ordered] struct {
	typ    reflect.Type
	typeID TypeID
}

// For returns the codec of K. Named types are handled by their underlying kind.
func For[K cmp.Ordered]() Codec[K] {
	var zero K
	typ := reflect.TypeOf(zero)
	return codec[K]{typ: typ, typeID: typeIDOf(typ.Kind())}
}

func typeIDOf(kind reflect.Kind) TypeID {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return TypeInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return TypeUint
	case reflect.Float32, reflect.Float64:
		return TypeFloat
	default:
		return TypeString
	}
}

func (c codec[K]) Encode(key K) []byte {
	v := reflect.ValueOf(key)
	switch c.typeID {
	case TypeInt:
		return appendUint64(TypeInt, uint64(v.Int())^(1<<63))
	case TypeUint:
		return appendUint64(TypeUint, v.Uint())
	case TypeFloat:
		return appendUint64(TypeFloat, floatBits(v.Float()))
	default:
		s := v.String()
		buf := make([]byte, 0, 1+len(s))
		buf = append(buf, byte(TypeString))
		return append(buf, s...)
	}
}

func (c codec[K]) Decode(data []byte) (K, error) {
	var key K
	if len(data) < 1 {
		return key, &DecodeError{Message: "insufficient data"}
	}
	if got := TypeID(data[0]); got != c.typeID {
		return key, &DecodeError{Message: fmt.Sprintf("expected %s key, got %s", c.typeID, got)}
	}
	payload := data[1:]
	out := reflect.New(c.typ).Elem()

	switch c.typeID {
	case TypeInt:
		if len(payload) != 8 {
			return key, &DecodeError{Message: "insufficient data for int"}
		}
		x := int64(binary.BigEndian.Uint64(payload) ^ (1 << 63))
		if out.OverflowInt(x) {
			return key, &DecodeError{Message: fmt.Sprintf("%d overflows %s", x, c.typ)}
		}
		out.SetInt(x)
	case TypeUint:
		if len(payload) != 8 {
			return key, &DecodeError{Message: "insufficient data for uint"}
		}
		x := binary.BigEndian.Uint64(payload)
		if out.OverflowUint(x) {
			return key, &DecodeError{Message: fmt.Sprintf("%d overflows %s", x, c.typ)}
		}
		out.SetUint(x)
	case TypeFloat:
		if len(payload) != 8 {
			return key, &DecodeError{Message: "insufficient data for float"}
		}
		out.SetFloat(floatFromBits(binary.BigEndian.Uint64(payload)))
	default:
		out.SetString(string(payload))
	}
	return out.Interface().(K), nil
}

// Compare orders two encoded keys.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func appendUint64(t TypeID, x uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(t)
	binary.BigEndian.PutUint64(buf[1:], x)
	return buf
}

// negative floats have all bits flipped, positive ones only the sign bit
func floatBits(f float64) uint64 {
	if f == 0 {
		f = 0 // -0 and +0 are the same key
	}
	b := math.Float64bits(f)
	if b&(1<<63) != 0 {
		return ^b
	}
	return b | 1<<63
}

func floatFromBits(b uint64) float64 {
	if b&(1<<63) != 0 {
		return math.Float64frombits(b &^ (1 << 63))
	}
	return math.Float64frombits(^b)
}
