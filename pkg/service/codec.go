package service

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

type Encoder[T any] interface {
	Encode(value T) ([]byte, error)
}

type Decoder[T any] interface {
	Decode(data []byte) (T, error)
}

type Codec[T any] interface {
	Encoder[T]
	Decoder[T]
}

// MsgpackCodec encodes values with msgpack. Map keys are sorted so equal
// values always produce equal bytes. An empty payload decodes to the zero value.
type MsgpackCodec[T any] struct{}

func (MsgpackCodec[T]) Encode(value T) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(value)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode %T: %w", value, err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec[T]) Decode(data []byte) (T, error) {
	var value T
	if len(data) == 0 {
		return value, nil
	}
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	err := dec.Decode(&value)
	msgpack.PutDecoder(dec)
	if err != nil {
		return value, fmt.Errorf("msgpack decode %T: %w", value, err)
	}
	return value, nil
}

// RawCodec passes payloads through unchanged.
type RawCodec struct{}

func (RawCodec) Encode(value []byte) ([]byte, error) { return value, nil }

func (RawCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// sameEncoder reports whether two encoders are known to be the same one.
// Encoders of different types, or of non-comparable types, never match.
func sameEncoder(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}
