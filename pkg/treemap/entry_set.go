package treemap

import (
	"cmp"
	"context"
	"fmt"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/iterator"
	"treemapdb/pkg/versioned"
)

// EntrySet is the ordered set of entries of a map view. It can be read,
// iterated and cleared; element-wise mutation is not supported.
type EntrySet[K cmp.Ordered] struct {
	bounds[K]
	m         *TreeMap[K]
	listeners *binder[CollectionListener[*versioned.Entry[K]], K]
}

func newEntrySet[K cmp.Ordered](m *TreeMap[K], b bounds[K]) *EntrySet[K] {
	return &EntrySet[K]{bounds: b, m: m, listeners: newBinder[CollectionListener[*versioned.Entry[K]]](m.hub)}
}

func (s *EntrySet[K]) Size(ctx context.Context) (int, error) {
	return (&MapView[K]{bounds: s.bounds, m: s.m}).Size(ctx)
}

func (s *EntrySet[K]) IsEmpty(ctx context.Context) (bool, error) {
	return (&MapView[K]{bounds: s.bounds, m: s.m}).IsEmpty(ctx)
}

func (s *EntrySet[K]) Clear(ctx context.Context) error {
	return (&MapView[K]{bounds: s.bounds, m: s.m}).Clear(ctx)
}

func (s *EntrySet[K]) Iterator(ctx context.Context) (iterator.Iterator[*versioned.Entry[K]], error) {
	it, err := s.m.iterate(ctx, s.bounds)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (s *EntrySet[K]) Add(context.Context, *versioned.Entry[K]) (bool, error) {
	return false, fmt.Errorf("add to entry set: %w", dberrors.ErrNotSupported)
}

func (s *EntrySet[K]) Remove(context.Context, *versioned.Entry[K]) (bool, error) {
	return false, fmt.Errorf("remove from entry set: %w", dberrors.ErrNotSupported)
}

func (s *EntrySet[K]) Contains(context.Context, *versioned.Entry[K]) (bool, error) {
	return false, fmt.Errorf("entry set contains: %w", dberrors.ErrNotSupported)
}

func (s *EntrySet[K]) ContainsAll(context.Context, []*versioned.Entry[K]) (bool, error) {
	return false, fmt.Errorf("entry set contains all: %w", dberrors.ErrNotSupported)
}

func (s *EntrySet[K]) AddAll(context.Context, []*versioned.Entry[K]) (bool, error) {
	return false, fmt.Errorf("add all to entry set: %w", dberrors.ErrNotSupported)
}

func (s *EntrySet[K]) RetainAll(context.Context, []*versioned.Entry[K]) (bool, error) {
	return false, fmt.Errorf("retain all in entry set: %w", dberrors.ErrNotSupported)
}

func (s *EntrySet[K]) RemoveAll(context.Context, []*versioned.Entry[K]) (bool, error) {
	return false, fmt.Errorf("remove all from entry set: %w", dberrors.ErrNotSupported)
}

// AddListener reports entries added to or removed from the set. A removed
// entry carries the value it had before removal.
func (s *EntrySet[K]) AddListener(ctx context.Context, l CollectionListener[*versioned.Entry[K]]) error {
	return s.listeners.add(ctx, l, func(ev versioned.Event[K]) {
		if !s.inBounds(ev.Key) {
			return
		}
		out, ok := toCollection(ev, func(ev versioned.Event[K], removed bool) *versioned.Entry[K] {
			if removed {
				return versioned.NewEntry(ev.Key, ev.OldValue)
			}
			return versioned.NewEntry(ev.Key, ev.NewValue)
		})
		if ok {
			l.Event(out)
		}
	})
}

func (s *EntrySet[K]) RemoveListener(ctx context.Context, l CollectionListener[*versioned.Entry[K]]) error {
	return s.listeners.remove(ctx, l)
}
