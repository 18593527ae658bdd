// Package versioned holds the value envelope shared by partitions and clients.
package versioned

import (
	"bytes"
	"fmt"
	"time"
)

// Versioned pairs an opaque payload with the version stamped by the owning
// partition on the write that produced it. Versions of a key never decrease.
type Versioned struct {
	Value   []byte    `msgpack:"value"`
	Version uint64    `msgpack:"version"`
	Created time.Time `msgpack:"created"`
}

func New(value []byte, version uint64, created time.Time) *Versioned {
	return &Versioned{Value: value, Version: version, Created: created}
}

// ValueOrNil returns the payload, tolerating a nil envelope.
func (v *Versioned) ValueOrNil() []byte {
	if v == nil {
		return nil
	}
	return v.Value
}

// Equal compares payload and version; creation time is informational.
func (v *Versioned) Equal(other *Versioned) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.Version == other.Version && bytes.Equal(v.Value, other.Value)
}

func (v *Versioned) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{value=%q version=%d}", v.Value, v.Version)
}

// Entry is a key with its current versioned value.
type Entry[K any] struct {
	Key   K          `msgpack:"key"`
	Value *Versioned `msgpack:"value"`
}

func NewEntry[K any](key K, value *Versioned) *Entry[K] {
	return &Entry[K]{Key: key, Value: value}
}
