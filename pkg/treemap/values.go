package treemap

import (
	"cmp"
	"context"
	"fmt"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/iterator"
	"treemapdb/pkg/versioned"
)

// Values is the collection of values of a map view, in key order.
type Values[K cmp.Ordered] struct {
	bounds[K]
	m         *TreeMap[K]
	listeners *binder[CollectionListener[*versioned.Versioned], K]
}

func newValues[K cmp.Ordered](m *TreeMap[K], b bounds[K]) *Values[K] {
	return &Values[K]{bounds: b, m: m, listeners: newBinder[CollectionListener[*versioned.Versioned]](m.hub)}
}

func (c *Values[K]) Size(ctx context.Context) (int, error) {
	return (&MapView[K]{bounds: c.bounds, m: c.m}).Size(ctx)
}

func (c *Values[K]) IsEmpty(ctx context.Context) (bool, error) {
	return (&MapView[K]{bounds: c.bounds, m: c.m}).IsEmpty(ctx)
}

func (c *Values[K]) Clear(ctx context.Context) error {
	return (&MapView[K]{bounds: c.bounds, m: c.m}).Clear(ctx)
}

func (c *Values[K]) Iterator(ctx context.Context) (iterator.Iterator[*versioned.Versioned], error) {
	it, err := c.m.iterate(ctx, c.bounds)
	if err != nil {
		return nil, err
	}
	return iterator.Map(iterator.Iterator[*versioned.Entry[K]](it), func(e *versioned.Entry[K]) *versioned.Versioned {
		if e == nil {
			return nil
		}
		return e.Value
	}), nil
}

func (c *Values[K]) Add(context.Context, *versioned.Versioned) (bool, error) {
	return false, fmt.Errorf("add to values: %w", dberrors.ErrNotSupported)
}

func (c *Values[K]) Remove(context.Context, *versioned.Versioned) (bool, error) {
	return false, fmt.Errorf("remove from values: %w", dberrors.ErrNotSupported)
}

func (c *Values[K]) Contains(context.Context, *versioned.Versioned) (bool, error) {
	return false, fmt.Errorf("values contains: %w", dberrors.ErrNotSupported)
}

func (c *Values[K]) ContainsAll(context.Context, []*versioned.Versioned) (bool, error) {
	return false, fmt.Errorf("values contains all: %w", dberrors.ErrNotSupported)
}

func (c *Values[K]) AddAll(context.Context, []*versioned.Versioned) (bool, error) {
	return false, fmt.Errorf("add all to values: %w", dberrors.ErrNotSupported)
}

func (c *Values[K]) RetainAll(context.Context, []*versioned.Versioned) (bool, error) {
	return false, fmt.Errorf("retain all in values: %w", dberrors.ErrNotSupported)
}

func (c *Values[K]) RemoveAll(context.Context, []*versioned.Versioned) (bool, error) {
	return false, fmt.Errorf("remove all from values: %w", dberrors.ErrNotSupported)
}

// AddListener reports values added to or removed from the collection.
func (c *Values[K]) AddListener(ctx context.Context, l CollectionListener[*versioned.Versioned]) error {
	return c.listeners.add(ctx, l, func(ev versioned.Event[K]) {
		if !c.inBounds(ev.Key) {
			return
		}
		out, ok := toCollection(ev, func(ev versioned.Event[K], removed bool) *versioned.Versioned {
			if removed {
				return ev.OldValue
			}
			return ev.NewValue
		})
		if ok {
			l.Event(out)
		}
	})
}

func (c *Values[K]) RemoveListener(ctx context.Context, l CollectionListener[*versioned.Versioned]) error {
	return c.listeners.remove(ctx, l)
}
