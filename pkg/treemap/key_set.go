package treemap

import (
	"cmp"
	"context"
	"fmt"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/iterator"
	"treemapdb/pkg/versioned"
)

// KeySet is the ordered set of keys of a map view. Removing a key removes
// its entry from the map; adding keys is not supported.
type KeySet[K cmp.Ordered] struct {
	bounds[K]
	m         *TreeMap[K]
	listeners *binder[CollectionListener[K], K]
}

func newKeySet[K cmp.Ordered](m *TreeMap[K], b bounds[K]) *KeySet[K] {
	return &KeySet[K]{bounds: b, m: m, listeners: newBinder[CollectionListener[K]](m.hub)}
}

func (s *KeySet[K]) IsInBounds(key K) bool {
	return s.inBounds(key)
}

// First returns the first key in the set's order, or ErrNotFound when the
// set is empty.
func (s *KeySet[K]) First(ctx context.Context) (K, error) {
	var zero K
	return s.required(s.navigateKey(ctx, s.m, navFirst, zero))
}

func (s *KeySet[K]) Last(ctx context.Context) (K, error) {
	var zero K
	return s.required(s.navigateKey(ctx, s.m, navLast, zero))
}

func (s *KeySet[K]) required(key K, found bool, err error) (K, error) {
	if err != nil {
		return key, err
	}
	if !found {
		return key, fmt.Errorf("empty key set: %w", dberrors.ErrNotFound)
	}
	return key, nil
}

func (s *KeySet[K]) Ceiling(ctx context.Context, key K) (K, bool, error) {
	return s.navigateKey(ctx, s.m, navCeiling, key)
}

func (s *KeySet[K]) Floor(ctx context.Context, key K) (K, bool, error) {
	return s.navigateKey(ctx, s.m, navFloor, key)
}

func (s *KeySet[K]) Higher(ctx context.Context, key K) (K, bool, error) {
	return s.navigateKey(ctx, s.m, navHigher, key)
}

func (s *KeySet[K]) Lower(ctx context.Context, key K) (K, bool, error) {
	return s.navigateKey(ctx, s.m, navLower, key)
}

func (s *KeySet[K]) PollFirst(context.Context) (K, error) {
	var zero K
	return zero, fmt.Errorf("poll first: %w", dberrors.ErrNotSupported)
}

func (s *KeySet[K]) PollLast(context.Context) (K, error) {
	var zero K
	return zero, fmt.Errorf("poll last: %w", dberrors.ErrNotSupported)
}

func (s *KeySet[K]) Size(ctx context.Context) (int, error) {
	return s.view().Size(ctx)
}

func (s *KeySet[K]) IsEmpty(ctx context.Context) (bool, error) {
	return s.view().IsEmpty(ctx)
}

func (s *KeySet[K]) Contains(ctx context.Context, key K) (bool, error) {
	return s.view().ContainsKey(ctx, key)
}

// ContainsAll reports whether every key is in the set. A key outside the
// set's bounds answers false without asking any partition.
func (s *KeySet[K]) ContainsAll(ctx context.Context, keys []K) (bool, error) {
	return s.view().ContainsKeys(ctx, keys)
}

// Remove deletes key from the map and reports whether it was present.
func (s *KeySet[K]) Remove(ctx context.Context, key K) (bool, error) {
	prev, err := s.view().Remove(ctx, key)
	return prev != nil, err
}

func (s *KeySet[K]) Clear(ctx context.Context) error {
	return s.view().Clear(ctx)
}

func (s *KeySet[K]) Add(context.Context, K) (bool, error) {
	return false, fmt.Errorf("add to key set: %w", dberrors.ErrNotSupported)
}

func (s *KeySet[K]) AddAll(context.Context, []K) (bool, error) {
	return false, fmt.Errorf("add all to key set: %w", dberrors.ErrNotSupported)
}

func (s *KeySet[K]) RetainAll(context.Context, []K) (bool, error) {
	return false, fmt.Errorf("retain all in key set: %w", dberrors.ErrNotSupported)
}

func (s *KeySet[K]) RemoveAll(context.Context, []K) (bool, error) {
	return false, fmt.Errorf("remove all from key set: %w", dberrors.ErrNotSupported)
}

func (s *KeySet[K]) SubSet(from K, fromInclusive bool, to K, toInclusive bool) *KeySet[K] {
	return newKeySet(s.m, s.sub(from, fromInclusive, to, toInclusive))
}

func (s *KeySet[K]) HeadSet(to K, inclusive bool) *KeySet[K] {
	return newKeySet(s.m, s.head(to, inclusive))
}

func (s *KeySet[K]) TailSet(from K, inclusive bool) *KeySet[K] {
	return newKeySet(s.m, s.tail(from, inclusive))
}

// SubSetOf is SubSet(from, true, to, false).
func (s *KeySet[K]) SubSetOf(from, to K) *KeySet[K] {
	return s.SubSet(from, true, to, false)
}

func (s *KeySet[K]) HeadSetOf(to K) *KeySet[K] {
	return s.HeadSet(to, false)
}

func (s *KeySet[K]) TailSetOf(from K) *KeySet[K] {
	return s.TailSet(from, true)
}

func (s *KeySet[K]) DescendingSet() *KeySet[K] {
	return newKeySet(s.m, s.reversed())
}

// Iterator walks the keys in the set's order.
func (s *KeySet[K]) Iterator(ctx context.Context) (iterator.Iterator[K], error) {
	return keysOf(ctx, s.m, s.bounds)
}

// DescendingIterator walks the keys against the set's order.
func (s *KeySet[K]) DescendingIterator(ctx context.Context) (iterator.Iterator[K], error) {
	return keysOf(ctx, s.m, s.reversed())
}

func keysOf[K cmp.Ordered](ctx context.Context, m *TreeMap[K], b bounds[K]) (iterator.Iterator[K], error) {
	it, err := m.iterate(ctx, b)
	if err != nil {
		return nil, err
	}
	return iterator.Map(iterator.Iterator[*versioned.Entry[K]](it), func(e *versioned.Entry[K]) K {
		if e == nil {
			var zero K
			return zero
		}
		return e.Key
	}), nil
}

// AddListener reports keys added to or removed from the set.
func (s *KeySet[K]) AddListener(ctx context.Context, l CollectionListener[K]) error {
	return s.listeners.add(ctx, l, func(ev versioned.Event[K]) {
		if !s.inBounds(ev.Key) {
			return
		}
		if out, ok := toCollection(ev, func(ev versioned.Event[K], _ bool) K { return ev.Key }); ok {
			l.Event(out)
		}
	})
}

func (s *KeySet[K]) RemoveListener(ctx context.Context, l CollectionListener[K]) error {
	return s.listeners.remove(ctx, l)
}

// view is the map view with the same bounds. It carries no listeners of
// its own.
func (s *KeySet[K]) view() *MapView[K] {
	return &MapView[K]{bounds: s.bounds, m: s.m}
}
