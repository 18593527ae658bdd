package treemap

import (
	"cmp"
	"context"

	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/versioned"
)

type navigation uint8

const (
	navFirst navigation = iota
	navLast
	navCeiling
	navFloor
	navHigher
	navLower
)

// mirror is the same query seen from the opposite direction.
func (n navigation) mirror() navigation {
	switch n {
	case navFirst:
		return navLast
	case navLast:
		return navFirst
	case navCeiling:
		return navFloor
	case navFloor:
		return navCeiling
	case navHigher:
		return navLower
	default:
		return navHigher
	}
}

// bounds is the state every view shares: the key range it covers and the
// direction it is traversed in. It is a value; narrowing returns a copy.
type bounds[K cmp.Ordered] struct {
	r          keyrange.Range[K]
	descending bool
}

func (b bounds[K]) inBounds(key K) bool {
	return b.r.Contains(key)
}

func (b bounds[K]) sub(from K, fromInclusive bool, to K, toInclusive bool) bounds[K] {
	if b.descending {
		// from/to follow the view's own order
		return bounds[K]{r: b.r.Sub(to, toInclusive, from, fromInclusive), descending: true}
	}
	return bounds[K]{r: b.r.Sub(from, fromInclusive, to, toInclusive)}
}

// head keeps the keys before to in the view's own order.
func (b bounds[K]) head(to K, inclusive bool) bounds[K] {
	if b.descending {
		return bounds[K]{r: b.r.Tail(to, inclusive), descending: true}
	}
	return bounds[K]{r: b.r.Head(to, inclusive)}
}

// tail keeps the keys from from onwards in the view's own order.
func (b bounds[K]) tail(from K, inclusive bool) bounds[K] {
	if b.descending {
		return bounds[K]{r: b.r.Head(from, inclusive), descending: true}
	}
	return bounds[K]{r: b.r.Tail(from, inclusive)}
}

func (b bounds[K]) reversed() bounds[K] {
	return bounds[K]{r: b.r, descending: !b.descending}
}

// resolve turns a query relative to the view into the absolute query that
// answers it: the bound to seek from and whether to seek downwards. The
// candidate bound is combined with the view's own edge, so a view never
// asks for less than it covers.
func (b bounds[K]) resolve(nav navigation, key K) (keyrange.Bound[K], bool) {
	if b.descending {
		nav = nav.mirror()
	}
	switch nav {
	case navFirst:
		return b.r.Lower, false
	case navLast:
		return b.r.Upper, true
	case navCeiling:
		return b.r.Tail(key, true).Lower, false
	case navHigher:
		return b.r.Tail(key, false).Lower, false
	case navFloor:
		return b.r.Head(key, true).Upper, true
	default:
		return b.r.Head(key, false).Upper, true
	}
}

// navigateKey runs nav against the whole map and drops an answer that lies
// outside the view.
func (b bounds[K]) navigateKey(ctx context.Context, m *TreeMap[K], nav navigation, key K) (K, bool, error) {
	var zero K
	if b.r.IsEmpty() {
		return zero, false, m.checkOpen()
	}
	bound, reverse := b.resolve(nav, key)
	found, ok, err := m.seekKey(ctx, bound, reverse)
	if err != nil || !ok || !b.inBounds(found) {
		return zero, false, err
	}
	return found, true, nil
}

func (b bounds[K]) navigateEntry(ctx context.Context, m *TreeMap[K], nav navigation, key K) (*versioned.Entry[K], error) {
	if b.r.IsEmpty() {
		return nil, m.checkOpen()
	}
	bound, reverse := b.resolve(nav, key)
	found, err := m.seekEntry(ctx, bound, reverse)
	if err != nil || found == nil || !b.inBounds(found.Key) {
		return nil, err
	}
	return found, nil
}
