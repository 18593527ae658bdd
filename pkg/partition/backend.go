// Package partition implements one shard of a distributed tree map: an
// ordered backend, the operations a client may invoke on it, server-side
// cursors and change events.
package partition

import (
	"cmp"

	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/versioned"
)

// Backend stores the entries of one partition in key order. Implementations
// need not synchronise writes; Service serialises them.
type Backend[K cmp.Ordered] interface {
	// Get returns nil when the key is absent.
	Get(key K) (*versioned.Versioned, error)
	Put(key K, value *versioned.Versioned) error
	Delete(key K) error

	// Seek returns the smallest entry satisfying lower, nil if there is none.
	Seek(lower keyrange.Bound[K]) (*versioned.Entry[K], error)
	// SeekReverse returns the largest entry satisfying upper, nil if there is none.
	SeekReverse(upper keyrange.Bound[K]) (*versioned.Entry[K], error)

	// Ascend and Descend visit the entries of r in order until fn returns false.
	Ascend(r keyrange.Range[K], fn func(*versioned.Entry[K]) bool) error
	Descend(r keyrange.Range[K], fn func(*versioned.Entry[K]) bool) error

	Close() error
}
