package partition

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/versioned"
)

func backends(t *testing.T) map[string]func() Backend[int] {
	t.Helper()
	return map[string]func() Backend[int]{
		"memory": func() Backend[int] { return NewMemoryBackend[int]() },
		"bolt": func() Backend[int] {
			b, err := OpenBoltBackend[int](filepath.Join(t.TempDir(), "p.db"), "p1")
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func fill(t *testing.T, b Backend[int], keys ...int) {
	t.Helper()
	for i, k := range keys {
		require.NoError(t, b.Put(k, versioned.New([]byte{byte(k)}, uint64(i+1), time.Unix(0, 0))))
	}
}

func keysOf(entries []*versioned.Entry[int]) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func TestBackend_Conformance(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := open()
			fill(t, b, 5, -3, 10, 1, 7)

			v, err := b.Get(7)
			require.NoError(t, err)
			require.NotNil(t, v)
			assert.Equal(t, []byte{7}, v.Value)

			v, err = b.Get(2)
			require.NoError(t, err)
			assert.Nil(t, v)

			seek := func(bound keyrange.Bound[int]) any {
				e, err := b.Seek(bound)
				require.NoError(t, err)
				if e == nil {
					return nil
				}
				return e.Key
			}
			seekRev := func(bound keyrange.Bound[int]) any {
				e, err := b.SeekReverse(bound)
				require.NoError(t, err)
				if e == nil {
					return nil
				}
				return e.Key
			}

			assert.Equal(t, -3, seek(keyrange.Unbounded[int]()))
			assert.Equal(t, 5, seek(keyrange.Inclusive(5)))
			assert.Equal(t, 7, seek(keyrange.Exclusive(5)))
			assert.Equal(t, 5, seek(keyrange.Inclusive(2)))
			assert.Nil(t, seek(keyrange.Exclusive(10)))

			assert.Equal(t, 10, seekRev(keyrange.Unbounded[int]()))
			assert.Equal(t, 5, seekRev(keyrange.Inclusive(5)))
			assert.Equal(t, 1, seekRev(keyrange.Exclusive(5)))
			assert.Equal(t, 10, seekRev(keyrange.Inclusive(100)))
			assert.Nil(t, seekRev(keyrange.Exclusive(-3)))

			var asc []*versioned.Entry[int]
			require.NoError(t, b.Ascend(keyrange.Between(1, false, 10, false), func(e *versioned.Entry[int]) bool {
				asc = append(asc, e)
				return true
			}))
			assert.Equal(t, []int{5, 7}, keysOf(asc))

			var desc []*versioned.Entry[int]
			require.NoError(t, b.Descend(keyrange.From(1, true), func(e *versioned.Entry[int]) bool {
				desc = append(desc, e)
				return len(desc) < 3
			}))
			assert.Equal(t, []int{10, 7, 5}, keysOf(desc))

			require.NoError(t, b.Delete(7))
			v, err = b.Get(7)
			require.NoError(t, err)
			assert.Nil(t, v)

			var none []*versioned.Entry[int]
			require.NoError(t, b.Ascend(keyrange.Between(8, true, 3, true), func(e *versioned.Entry[int]) bool {
				none = append(none, e)
				return true
			}))
			assert.Empty(t, none)
		})
	}
}

func TestBoltBackend_StringKeysSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.db")
	b, err := OpenBoltBackend[string](path, "names")
	require.NoError(t, err)
	require.NoError(t, b.Put("bob", versioned.New([]byte("1"), 4, time.Now())))
	require.NoError(t, b.Put("alice", versioned.New([]byte("2"), 9, time.Now())))
	require.NoError(t, b.Close())

	b, err = OpenBoltBackend[string](path, "names")
	require.NoError(t, err)
	defer b.Close()

	first, err := b.Seek(keyrange.Unbounded[string]())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "alice", first.Key)
	assert.Equal(t, uint64(9), first.Value.Version)
}
