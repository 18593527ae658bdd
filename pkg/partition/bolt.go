package partition

import (
	"bytes"
	"cmp"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"treemapdb/pkg/encoding/keycodec"
	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/types"
	"treemapdb/pkg/versioned"
)

// OpenBolt opens (or creates) the bbolt file shared by the partitions of a node.
func OpenBolt(path string) (*bbolt.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	return db, nil
}

// BoltBackend stores one partition in its own bucket. Keys are encoded with
// keycodec so bucket order equals key order; values are msgpack.
type BoltBackend[K cmp.Ordered] struct {
	db     *bbolt.DB
	bucket []byte
	keys   keycodec.Codec[K]
	ownsDB bool
}

func NewBoltBackend[K cmp.Ordered](db *bbolt.DB, id types.PartitionID) (*BoltBackend[K], error) {
	b := &BoltBackend[K]{
		db:     db,
		bucket: []byte("partition/" + string(id)),
		keys:   keycodec.For[K](),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	return b, nil
}

// OpenBoltBackend opens a dedicated file for a single partition. Close
// closes the file.
func OpenBoltBackend[K cmp.Ordered](path string, id types.PartitionID) (*BoltBackend[K], error) {
	db, err := OpenBolt(path)
	if err != nil {
		return nil, err
	}
	b, err := NewBoltBackend[K](db, id)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

func (b *BoltBackend[K]) Get(key K) (*versioned.Versioned, error) {
	var value *versioned.Versioned
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(b.bucket).Get(b.keys.Encode(key))
		if raw == nil {
			return nil
		}
		var err error
		value, err = decodeValue(raw)
		return err
	})
	return value, err
}

func (b *BoltBackend[K]) Put(key K, value *versioned.Versioned) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put(b.keys.Encode(key), raw)
	})
}

func (b *BoltBackend[K]) Delete(key K) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Delete(b.keys.Encode(key))
	})
}

func (b *BoltBackend[K]) Seek(lower keyrange.Bound[K]) (*versioned.Entry[K], error) {
	var entry *versioned.Entry[K]
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		k, v := b.seekLower(c, lower)
		if k == nil {
			return nil
		}
		var err error
		entry, err = b.decodeEntry(k, v)
		return err
	})
	return entry, err
}

func (b *BoltBackend[K]) SeekReverse(upper keyrange.Bound[K]) (*versioned.Entry[K], error) {
	var entry *versioned.Entry[K]
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		k, v := b.seekUpper(c, upper)
		if k == nil {
			return nil
		}
		var err error
		entry, err = b.decodeEntry(k, v)
		return err
	})
	return entry, err
}

func (b *BoltBackend[K]) Ascend(r keyrange.Range[K], fn func(*versioned.Entry[K]) bool) error {
	if r.IsEmpty() {
		return nil
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := b.seekLower(c, r.Lower); k != nil; k, v = c.Next() {
			entry, err := b.decodeEntry(k, v)
			if err != nil {
				return err
			}
			if !r.InUpper(entry.Key) || !fn(entry) {
				return nil
			}
		}
		return nil
	})
}

func (b *BoltBackend[K]) Descend(r keyrange.Range[K], fn func(*versioned.Entry[K]) bool) error {
	if r.IsEmpty() {
		return nil
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := b.seekUpper(c, r.Upper); k != nil; k, v = c.Prev() {
			entry, err := b.decodeEntry(k, v)
			if err != nil {
				return err
			}
			if !r.InLower(entry.Key) || !fn(entry) {
				return nil
			}
		}
		return nil
	})
}

func (b *BoltBackend[K]) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

// seekLower positions c on the first key satisfying lower.
func (b *BoltBackend[K]) seekLower(c *bbolt.Cursor, lower keyrange.Bound[K]) ([]byte, []byte) {
	if !lower.Set {
		return c.First()
	}
	target := b.keys.Encode(lower.Key)
	k, v := c.Seek(target)
	if k != nil && !lower.Inclusive && bytes.Equal(k, target) {
		return c.Next()
	}
	return k, v
}

// seekUpper positions c on the last key satisfying upper.
func (b *BoltBackend[K]) seekUpper(c *bbolt.Cursor, upper keyrange.Bound[K]) ([]byte, []byte) {
	if !upper.Set {
		return c.Last()
	}
	target := b.keys.Encode(upper.Key)
	k, v := c.Seek(target)
	switch {
	case k == nil:
		// every key is below the bound
		return c.Last()
	case upper.Inclusive && bytes.Equal(k, target):
		return k, v
	default:
		return c.Prev()
	}
}

func (b *BoltBackend[K]) decodeEntry(k, v []byte) (*versioned.Entry[K], error) {
	key, err := b.keys.Decode(k)
	if err != nil {
		return nil, fmt.Errorf("decode key in %s: %w", b.bucket, err)
	}
	value, err := decodeValue(v)
	if err != nil {
		return nil, err
	}
	return versioned.NewEntry(key, value), nil
}

func decodeValue(raw []byte) (*versioned.Versioned, error) {
	var value versioned.Versioned
	if err := msgpack.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return &value, nil
}
