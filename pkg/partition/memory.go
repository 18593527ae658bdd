package partition

import (
	"cmp"

	"github.com/zhangyunhao116/skipmap"

	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/versioned"
)

type orderedMap[K cmp.Ordered] = skipmap.FuncMap[K, *versioned.Versioned]

// MemoryBackend keeps a partition in a concurrent skip list.
type MemoryBackend[K cmp.Ordered] struct {
	underlying *orderedMap[K]
}

func NewMemoryBackend[K cmp.Ordered]() *MemoryBackend[K] {
	return &MemoryBackend[K]{
		underlying: skipmap.NewFunc[K, *versioned.Versioned](cmp.Less[K]),
	}
}

func (m *MemoryBackend[K]) Get(key K) (*versioned.Versioned, error) {
	v, ok := m.underlying.Load(key)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *MemoryBackend[K]) Put(key K, value *versioned.Versioned) error {
	m.underlying.Store(key, value)
	return nil
}

func (m *MemoryBackend[K]) Delete(key K) error {
	m.underlying.Delete(key)
	return nil
}

func (m *MemoryBackend[K]) Seek(lower keyrange.Bound[K]) (*versioned.Entry[K], error) {
	r := keyrange.Range[K]{Lower: lower}
	var found *versioned.Entry[K]
	m.underlying.Range(func(key K, value *versioned.Versioned) bool {
		if r.InLower(key) {
			found = versioned.NewEntry(key, value)
			return false
		}
		return true
	})
	return found, nil
}

func (m *MemoryBackend[K]) SeekReverse(upper keyrange.Bound[K]) (*versioned.Entry[K], error) {
	r := keyrange.Range[K]{Upper: upper}
	var found *versioned.Entry[K]
	m.underlying.Range(func(key K, value *versioned.Versioned) bool {
		if !r.InUpper(key) {
			return false
		}
		found = versioned.NewEntry(key, value)
		return true
	})
	return found, nil
}

func (m *MemoryBackend[K]) Ascend(r keyrange.Range[K], fn func(*versioned.Entry[K]) bool) error {
	if r.IsEmpty() {
		return nil
	}
	m.underlying.Range(func(key K, value *versioned.Versioned) bool {
		if !r.InLower(key) {
			return true
		}
		if !r.InUpper(key) {
			return false
		}
		return fn(versioned.NewEntry(key, value))
	})
	return nil
}

func (m *MemoryBackend[K]) Descend(r keyrange.Range[K], fn func(*versioned.Entry[K]) bool) error {
	if r.IsEmpty() {
		return nil
	}
	// the skip list only links forward
	var entries []*versioned.Entry[K]
	_ = m.Ascend(r, func(e *versioned.Entry[K]) bool {
		entries = append(entries, e)
		return true
	})
	for i := len(entries) - 1; i >= 0; i-- {
		if !fn(entries[i]) {
			break
		}
	}
	return nil
}

func (m *MemoryBackend[K]) Close() error {
	return nil
}
