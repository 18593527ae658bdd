package treemap

import (
	"bytes"
	"cmp"
	"context"
	"fmt"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/iterator"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/versioned"
)

// MapView is a navigable map restricted to a key range, possibly traversed
// in descending order. Key navigation returns found=false when no key of
// the view qualifies; entry navigation returns a nil entry.
//
// Writes to keys outside the view are no-ops: they return nil or false and
// never reach a partition.
type MapView[K cmp.Ordered] struct {
	bounds[K]
	m         *TreeMap[K]
	listeners *binder[MapEventListener[K], K]
}

func newMapView[K cmp.Ordered](m *TreeMap[K], b bounds[K]) *MapView[K] {
	return &MapView[K]{bounds: b, m: m, listeners: newBinder[MapEventListener[K]](m.hub)}
}

// Descending reports whether the view iterates from the greatest key.
func (v *MapView[K]) Descending() bool {
	return v.descending
}

// IsInBounds reports whether key lies inside the view.
func (v *MapView[K]) IsInBounds(key K) bool {
	return v.inBounds(key)
}

func (v *MapView[K]) FirstKey(ctx context.Context) (K, bool, error) {
	var zero K
	return v.navigateKey(ctx, v.m, navFirst, zero)
}

func (v *MapView[K]) LastKey(ctx context.Context) (K, bool, error) {
	var zero K
	return v.navigateKey(ctx, v.m, navLast, zero)
}

// CeilingKey returns the least key >= key in the view's order.
func (v *MapView[K]) CeilingKey(ctx context.Context, key K) (K, bool, error) {
	return v.navigateKey(ctx, v.m, navCeiling, key)
}

func (v *MapView[K]) FloorKey(ctx context.Context, key K) (K, bool, error) {
	return v.navigateKey(ctx, v.m, navFloor, key)
}

func (v *MapView[K]) HigherKey(ctx context.Context, key K) (K, bool, error) {
	return v.navigateKey(ctx, v.m, navHigher, key)
}

func (v *MapView[K]) LowerKey(ctx context.Context, key K) (K, bool, error) {
	return v.navigateKey(ctx, v.m, navLower, key)
}

func (v *MapView[K]) FirstEntry(ctx context.Context) (*versioned.Entry[K], error) {
	var zero K
	return v.navigateEntry(ctx, v.m, navFirst, zero)
}

func (v *MapView[K]) LastEntry(ctx context.Context) (*versioned.Entry[K], error) {
	var zero K
	return v.navigateEntry(ctx, v.m, navLast, zero)
}

func (v *MapView[K]) CeilingEntry(ctx context.Context, key K) (*versioned.Entry[K], error) {
	return v.navigateEntry(ctx, v.m, navCeiling, key)
}

func (v *MapView[K]) FloorEntry(ctx context.Context, key K) (*versioned.Entry[K], error) {
	return v.navigateEntry(ctx, v.m, navFloor, key)
}

func (v *MapView[K]) HigherEntry(ctx context.Context, key K) (*versioned.Entry[K], error) {
	return v.navigateEntry(ctx, v.m, navHigher, key)
}

func (v *MapView[K]) LowerEntry(ctx context.Context, key K) (*versioned.Entry[K], error) {
	return v.navigateEntry(ctx, v.m, navLower, key)
}

// PollFirstEntry is not supported: removing the smallest key across
// partitions cannot be done atomically. Compose FirstEntry with
// RemoveVersion instead.
func (v *MapView[K]) PollFirstEntry(context.Context) (*versioned.Entry[K], error) {
	return nil, fmt.Errorf("poll first entry: %w", dberrors.ErrNotSupported)
}

func (v *MapView[K]) PollLastEntry(context.Context) (*versioned.Entry[K], error) {
	return nil, fmt.Errorf("poll last entry: %w", dberrors.ErrNotSupported)
}

// Size counts the keys of the view on the partitions themselves.
func (v *MapView[K]) Size(ctx context.Context) (int, error) {
	if v.r.IsEmpty() {
		return 0, v.m.checkOpen()
	}
	return v.m.size(ctx, v.r)
}

func (v *MapView[K]) IsEmpty(ctx context.Context) (bool, error) {
	_, found, err := v.FirstKey(ctx)
	return !found, err
}

// Clear removes every key of the view.
func (v *MapView[K]) Clear(ctx context.Context) error {
	if v.r.IsEmpty() {
		return v.m.checkOpen()
	}
	return v.m.clear(ctx, v.r)
}

func (v *MapView[K]) ContainsKey(ctx context.Context, key K) (bool, error) {
	if !v.inBounds(key) {
		return false, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.ContainsKey, partition.KeyRequest[K]{Key: key})
}

// ContainsKeys reports whether every key is in the view.
func (v *MapView[K]) ContainsKeys(ctx context.Context, keys []K) (bool, error) {
	for _, k := range keys {
		if !v.inBounds(k) {
			return false, v.m.checkOpen()
		}
	}
	if len(keys) == 0 {
		return true, v.m.checkOpen()
	}
	return v.m.containsKeys(ctx, keys)
}

// ContainsValue looks for value among the values of the view. A bounded
// view scans its own range.
func (v *MapView[K]) ContainsValue(ctx context.Context, value []byte) (bool, error) {
	if v.r.IsUnbounded() {
		return v.m.containsValue(ctx, value)
	}
	it, err := v.entries(ctx)
	if err != nil {
		return false, err
	}
	defer it.Close(ctx)
	for it.Next(ctx) {
		if bytes.Equal(it.Value().Value.ValueOrNil(), value) {
			return true, nil
		}
	}
	return false, it.Err()
}

// Get returns the value of key, or nil when absent or outside the view.
func (v *MapView[K]) Get(ctx context.Context, key K) (*versioned.Versioned, error) {
	if !v.inBounds(key) {
		return nil, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.Get, partition.KeyRequest[K]{Key: key})
}

// GetOrDefault returns def, unversioned, when key has no value in the view.
func (v *MapView[K]) GetOrDefault(ctx context.Context, key K, def []byte) (*versioned.Versioned, error) {
	value, err := v.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return &versioned.Versioned{Value: def}, nil
	}
	return value, nil
}

// GetAllPresent returns the values of the keys that exist in the view.
func (v *MapView[K]) GetAllPresent(ctx context.Context, keys []K) (map[K]*versioned.Versioned, error) {
	inside := make([]K, 0, len(keys))
	for _, k := range keys {
		if v.inBounds(k) {
			inside = append(inside, k)
		}
	}
	if len(inside) == 0 {
		return map[K]*versioned.Versioned{}, v.m.checkOpen()
	}
	return v.m.getAll(ctx, inside)
}

// Put stores value and returns the previous value.
func (v *MapView[K]) Put(ctx context.Context, key K, value []byte) (*versioned.Versioned, error) {
	if !v.inBounds(key) {
		return nil, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.Put, partition.PutRequest[K]{Key: key, Value: value})
}

// PutAndGet stores value and returns it with its new version.
func (v *MapView[K]) PutAndGet(ctx context.Context, key K, value []byte) (*versioned.Versioned, error) {
	if !v.inBounds(key) {
		return nil, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.PutAndGet, partition.PutRequest[K]{Key: key, Value: value})
}

// PutIfAbsent stores value only when key is absent. It returns the value
// that was already there, or nil when the write happened.
func (v *MapView[K]) PutIfAbsent(ctx context.Context, key K, value []byte) (*versioned.Versioned, error) {
	if !v.inBounds(key) {
		return nil, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.PutIfAbsent, partition.PutRequest[K]{Key: key, Value: value})
}

// Remove deletes key and returns the removed value.
func (v *MapView[K]) Remove(ctx context.Context, key K) (*versioned.Versioned, error) {
	if !v.inBounds(key) {
		return nil, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.Remove, partition.KeyRequest[K]{Key: key})
}

// RemoveValue deletes key only while it holds value.
func (v *MapView[K]) RemoveValue(ctx context.Context, key K, value []byte) (bool, error) {
	if !v.inBounds(key) {
		return false, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.RemoveValue, partition.RemoveValueRequest[K]{Key: key, Value: value})
}

// RemoveVersion deletes key only while it is at version.
func (v *MapView[K]) RemoveVersion(ctx context.Context, key K, version uint64) (bool, error) {
	if !v.inBounds(key) {
		return false, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.RemoveVersion, partition.RemoveVersionRequest[K]{Key: key, Version: version})
}

// Replace overwrites an existing key and returns the previous value. An
// absent key is left absent.
func (v *MapView[K]) Replace(ctx context.Context, key K, value []byte) (*versioned.Versioned, error) {
	if !v.inBounds(key) {
		return nil, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.Replace, partition.PutRequest[K]{Key: key, Value: value})
}

func (v *MapView[K]) ReplaceValue(ctx context.Context, key K, oldValue, newValue []byte) (bool, error) {
	if !v.inBounds(key) {
		return false, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.ReplaceValue,
		partition.ReplaceValueRequest[K]{Key: key, OldValue: oldValue, NewValue: newValue})
}

// ReplaceVersion overwrites key only while it is at oldVersion.
func (v *MapView[K]) ReplaceVersion(ctx context.Context, key K, oldVersion uint64, newValue []byte) (bool, error) {
	if !v.inBounds(key) {
		return false, v.m.checkOpen()
	}
	return route(ctx, v.m, key, v.m.ops.ReplaceVersion,
		partition.ReplaceVersionRequest[K]{Key: key, OldVersion: oldVersion, NewValue: newValue})
}

// ComputeIf recomputes the value of key while condition holds for the
// current value (nil when absent). remap returns the new value; nil removes
// the key. The write is version-checked and retried on conflict. The
// result is the value after the call.
func (v *MapView[K]) ComputeIf(
	ctx context.Context,
	key K,
	condition func(current *versioned.Versioned) bool,
	remap func(key K, current *versioned.Versioned) []byte,
) (*versioned.Versioned, error) {
	if !v.inBounds(key) {
		return nil, v.m.checkOpen()
	}
	for {
		current, err := v.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !condition(current) {
			return current, nil
		}

		next := remap(key, current)
		var done bool
		switch {
		case current == nil && next == nil:
			return nil, nil
		case current == nil:
			existing, err := v.PutIfAbsent(ctx, key, next)
			if err != nil {
				return nil, err
			}
			done = existing == nil
		case next == nil:
			if done, err = v.RemoveVersion(ctx, key, current.Version); err != nil {
				return nil, err
			}
			if done {
				return nil, nil
			}
		default:
			if done, err = v.ReplaceVersion(ctx, key, current.Version, next); err != nil {
				return nil, err
			}
		}
		if done {
			return v.Get(ctx, key)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// SubMap narrows the view to keys between from and to, in the view's own
// order. Bounds never widen: a bound looser than the current one is ignored.
func (v *MapView[K]) SubMap(from K, fromInclusive bool, to K, toInclusive bool) *MapView[K] {
	return newMapView(v.m, v.sub(from, fromInclusive, to, toInclusive))
}

func (v *MapView[K]) HeadMap(to K, inclusive bool) *MapView[K] {
	return newMapView(v.m, v.head(to, inclusive))
}

func (v *MapView[K]) TailMap(from K, inclusive bool) *MapView[K] {
	return newMapView(v.m, v.tail(from, inclusive))
}

// DescendingMap is the same view traversed in reverse.
func (v *MapView[K]) DescendingMap() *MapView[K] {
	return newMapView(v.m, v.reversed())
}

// NavigableKeySet is the keys of the view, in the view's order.
func (v *MapView[K]) NavigableKeySet() *KeySet[K] {
	return newKeySet(v.m, v.bounds)
}

func (v *MapView[K]) KeySet() *KeySet[K] {
	return v.NavigableKeySet()
}

func (v *MapView[K]) DescendingKeySet() *KeySet[K] {
	return newKeySet(v.m, v.reversed())
}

func (v *MapView[K]) EntrySet() *EntrySet[K] {
	return newEntrySet(v.m, v.bounds)
}

func (v *MapView[K]) Values() *Values[K] {
	return newValues(v.m, v.bounds)
}

// Entries iterates over the view.
func (v *MapView[K]) Entries(ctx context.Context) (iterator.Iterator[*versioned.Entry[K]], error) {
	return v.entries(ctx)
}

func (v *MapView[K]) entries(ctx context.Context) (*mergeIterator[K], error) {
	return v.m.iterate(ctx, v.bounds)
}

// AddListener subscribes l to the changes of keys inside the view. Adding
// the same listener twice registers it once.
func (v *MapView[K]) AddListener(ctx context.Context, l MapEventListener[K]) error {
	return v.listeners.add(ctx, l, func(ev versioned.Event[K]) {
		if v.inBounds(ev.Key) {
			l.Event(ev)
		}
	})
}

// RemoveListener unsubscribes l. Removing an unknown listener is a no-op.
func (v *MapView[K]) RemoveListener(ctx context.Context, l MapEventListener[K]) error {
	return v.listeners.remove(ctx, l)
}
