// Package keyrange describes the bounds of a view over an ordered collection.
//
// A Range is an immutable value. Narrowing a range returns a new one; the
// result never accepts a key the original rejected. A range whose lower bound
// lies above its upper bound is empty rather than invalid.
package keyrange

import (
	"cmp"
	"fmt"
)

// Bound delimits one edge of a range. A Bound that is not Set is unbounded.
type Bound[K cmp.Ordered] struct {
	Key       K    `msgpack:"key"`
	Inclusive bool `msgpack:"inclusive"`
	Set       bool `msgpack:"set"`
}

func Unbounded[K cmp.Ordered]() Bound[K] {
	return Bound[K]{}
}

func At[K cmp.Ordered](key K, inclusive bool) Bound[K] {
	return Bound[K]{Key: key, Inclusive: inclusive, Set: true}
}

func Inclusive[K cmp.Ordered](key K) Bound[K] {
	return At(key, true)
}

func Exclusive[K cmp.Ordered](key K) Bound[K] {
	return At(key, false)
}

func (b Bound[K]) String() string {
	if !b.Set {
		return "unbounded"
	}
	if b.Inclusive {
		return fmt.Sprintf("%v inclusive", b.Key)
	}
	return fmt.Sprintf("%v exclusive", b.Key)
}

// Range is a (lower, upper) pair of bounds.
type Range[K cmp.Ordered] struct {
	Lower Bound[K] `msgpack:"lower"`
	Upper Bound[K] `msgpack:"upper"`
}

// All returns the unbounded range.
func All[K cmp.Ordered]() Range[K] {
	return Range[K]{}
}

// Between builds a range bounded on both sides.
func Between[K cmp.Ordered](from K, fromInclusive bool, to K, toInclusive bool) Range[K] {
	return Range[K]{Lower: At(from, fromInclusive), Upper: At(to, toInclusive)}
}

// From builds a range bounded from below.
func From[K cmp.Ordered](from K, inclusive bool) Range[K] {
	return Range[K]{Lower: At(from, inclusive)}
}

// To builds a range bounded from above.
func To[K cmp.Ordered](to K, inclusive bool) Range[K] {
	return Range[K]{Upper: At(to, inclusive)}
}

func (r Range[K]) String() string {
	left, right := "(", ")"
	lower, upper := "-inf", "+inf"
	if r.Lower.Set {
		lower = fmt.Sprint(r.Lower.Key)
		if r.Lower.Inclusive {
			left = "["
		}
	}
	if r.Upper.Set {
		upper = fmt.Sprint(r.Upper.Key)
		if r.Upper.Inclusive {
			right = "]"
		}
	}
	return left + lower + ", " + upper + right
}

// IsUnbounded reports whether the range accepts every key.
func (r Range[K]) IsUnbounded() bool {
	return !r.Lower.Set && !r.Upper.Set
}

// IsEmpty reports whether no key can satisfy both bounds.
func (r Range[K]) IsEmpty() bool {
	if !r.Lower.Set || !r.Upper.Set {
		return false
	}
	switch order := cmp.Compare(r.Lower.Key, r.Upper.Key); {
	case order > 0:
		return true
	case order == 0:
		return !(r.Lower.Inclusive && r.Upper.Inclusive)
	default:
		return false
	}
}

// InLower reports whether key satisfies the lower bound.
func (r Range[K]) InLower(key K) bool {
	if !r.Lower.Set {
		return true
	}
	order := cmp.Compare(key, r.Lower.Key)
	if r.Lower.Inclusive {
		return order >= 0
	}
	return order > 0
}

// InUpper reports whether key satisfies the upper bound.
func (r Range[K]) InUpper(key K) bool {
	if !r.Upper.Set {
		return true
	}
	order := cmp.Compare(key, r.Upper.Key)
	if r.Upper.Inclusive {
		return order <= 0
	}
	return order < 0
}

// Contains reports whether key lies inside the range.
func (r Range[K]) Contains(key K) bool {
	return r.InLower(key) && r.InUpper(key)
}

// Sub restricts the range to [from, to] with the given inclusivity. Each
// candidate bound only replaces the current one when it is more restrictive;
// equal keys AND their inclusive flags.
func (r Range[K]) Sub(from K, fromInclusive bool, to K, toInclusive bool) Range[K] {
	return Range[K]{
		Lower: narrowLower(r.Lower, At(from, fromInclusive)),
		Upper: narrowUpper(r.Upper, At(to, toInclusive)),
	}
}

// Head tightens only the upper bound.
func (r Range[K]) Head(to K, inclusive bool) Range[K] {
	return Range[K]{
		Lower: r.Lower,
		Upper: narrowUpper(r.Upper, At(to, inclusive)),
	}
}

// Tail tightens only the lower bound.
func (r Range[K]) Tail(from K, inclusive bool) Range[K] {
	return Range[K]{
		Lower: narrowLower(r.Lower, At(from, inclusive)),
		Upper: r.Upper,
	}
}

// Intersect narrows r by every set bound of other.
func (r Range[K]) Intersect(other Range[K]) Range[K] {
	return Range[K]{
		Lower: narrowLower(r.Lower, other.Lower),
		Upper: narrowUpper(r.Upper, other.Upper),
	}
}

func narrowLower[K cmp.Ordered](current, candidate Bound[K]) Bound[K] {
	if !candidate.Set {
		return current
	}
	if !current.Set {
		return candidate
	}
	switch order := cmp.Compare(current.Key, candidate.Key); {
	case order == 0:
		return At(current.Key, current.Inclusive && candidate.Inclusive)
	case order > 0:
		return current
	default:
		return candidate
	}
}

func narrowUpper[K cmp.Ordered](current, candidate Bound[K]) Bound[K] {
	if !candidate.Set {
		return current
	}
	if !current.Set {
		return candidate
	}
	switch order := cmp.Compare(current.Key, candidate.Key); {
	case order == 0:
		return At(current.Key, current.Inclusive && candidate.Inclusive)
	case order < 0:
		return current
	default:
		return candidate
	}
}
