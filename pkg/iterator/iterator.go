package iterator

import "context"

// Iterator walks a finite sequence once. It is not restartable.
//
//	for it.Next(ctx) {
//		use(it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
//
// Close releases the resources held on the server and may be called at any
// point, including after the sequence is exhausted.
type Iterator[E any] interface {
	// Next advances to the next element and reports whether there is one.
	Next(ctx context.Context) bool
	// Value returns the current element.
	Value() E
	// Err returns the error that stopped the iteration, if any.
	Err() error
	// Close releases resources.
	Close(ctx context.Context) error
}

type mapped[E, R any] struct {
	Iterator[E]
	fn func(E) R
}

func (m mapped[E, R]) Value() R {
	return m.fn(m.Iterator.Value())
}

// Map projects every element of it through fn.
func Map[E, R any](it Iterator[E], fn func(E) R) Iterator[R] {
	return mapped[E, R]{Iterator: it, fn: fn}
}

// Collect drains it and closes it.
func Collect[E any](ctx context.Context, it Iterator[E]) ([]E, error) {
	var out []E
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	err := it.Err()
	if cerr := it.Close(ctx); err == nil {
		err = cerr
	}
	return out, err
}
