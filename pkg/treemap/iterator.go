package treemap

import (
	"cmp"
	"context"
	"errors"
	"sync"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/versioned"
)

// source is one partition's cursor and the part of its current batch not yet
// consumed.
type source[K cmp.Ordered] struct {
	part     cluster.Partition
	cursorID uint64
	buf      []*versioned.Entry[K]
	hasMore  bool
}

func (s *source[K]) head() *versioned.Entry[K] {
	if len(s.buf) == 0 {
		return nil
	}
	return s.buf[0]
}

// mergeIterator walks a view in order by merging one cursor per partition.
// Each partition returns its share already sorted, so the next element is
// always the least (or greatest, descending) of the buffered heads.
type mergeIterator[K cmp.Ordered] struct {
	m      *TreeMap[K]
	better func(a, b K) bool

	mu      sync.Mutex
	sources []*source[K]
	current *versioned.Entry[K]
	err     error
	done    bool
}

// iterate opens a cursor on every partition for the bounds of a view.
func (m *TreeMap[K]) iterate(ctx context.Context, b bounds[K]) (*mergeIterator[K], error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	it := &mergeIterator[K]{m: m, better: pick[K](b.descending)}
	if b.r.IsEmpty() {
		it.done = true
		return it, nil
	}

	var opened sync.Mutex
	req := partition.IterateRequest[K]{Range: b.r, Descending: b.descending, BatchSize: m.batchSize}
	_, err := cluster.ApplyAll(ctx, m.proxy, m.ops.Iterate.ID.Name,
		func(ctx context.Context, part cluster.Partition) (struct{}, error) {
			batch, err := cluster.Call(ctx, part, m.ops.Iterate, req)
			if err != nil {
				return struct{}{}, err
			}
			opened.Lock()
			it.sources = append(it.sources, &source[K]{
				part:     part,
				cursorID: batch.CursorID,
				buf:      batch.Entries,
				hasMore:  batch.HasMore,
			})
			opened.Unlock()
			return struct{}{}, nil
		})
	if err != nil {
		// cursors opened before the failure would otherwise wait for expiry
		_ = it.release(context.WithoutCancel(ctx))
		return nil, err
	}
	if it.holdsCursors() {
		m.track(it)
		// Close may have run while the cursors were opening
		if m.closed.Load() {
			it.abort(context.WithoutCancel(ctx))
			return nil, dberrors.ErrClosed
		}
	}
	return it, nil
}

func (it *mergeIterator[K]) Next(ctx context.Context) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done {
		return false
	}
	if err := it.m.checkOpen(); err != nil {
		it.fail(ctx, err)
		return false
	}

	var best *source[K]
	for _, s := range it.sources {
		if err := it.fill(ctx, s); err != nil {
			it.fail(ctx, err)
			return false
		}
		h := s.head()
		if h == nil {
			continue
		}
		if best == nil || it.better(h.Key, best.head().Key) {
			best = s
		}
	}
	if best == nil {
		it.current = nil
		it.done = true
		it.m.untrack(it)
		return false
	}
	it.current = best.buf[0]
	best.buf = best.buf[1:]
	return true
}

// fill fetches the next batch of s once its buffer is drained.
func (it *mergeIterator[K]) fill(ctx context.Context, s *source[K]) error {
	for len(s.buf) == 0 && s.hasMore {
		batch, err := cluster.Call(ctx, s.part, it.m.ops.Next, partition.CursorRequest{CursorID: s.cursorID})
		if err != nil {
			return partitionFailure(s.part.ID(), it.m.ops.Next.ID.Name, err)
		}
		s.buf, s.hasMore = batch.Entries, batch.HasMore
	}
	return nil
}

func (it *mergeIterator[K]) Value() *versioned.Entry[K] {
	return it.current
}

func (it *mergeIterator[K]) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Close releases the cursors that are still open. Closing twice is a no-op.
func (it *mergeIterator[K]) Close(ctx context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.done = true
	it.current = nil
	return it.release(ctx)
}

// abort is Close on behalf of the map: an unfinished iteration ends with
// ErrClosed.
func (it *mergeIterator[K]) abort(ctx context.Context) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.done && it.err == nil {
		it.err = dberrors.ErrClosed
	}
	it.done = true
	if err := it.release(ctx); err != nil {
		it.m.logger.Warn("release iterator cursors", "error", err)
	}
}

func (it *mergeIterator[K]) fail(ctx context.Context, err error) {
	it.err = err
	it.done = true
	it.current = nil
	if rerr := it.release(ctx); rerr != nil {
		it.m.logger.Warn("release iterator cursors", "error", rerr)
	}
}

func (it *mergeIterator[K]) holdsCursors() bool {
	for _, s := range it.sources {
		if s.hasMore {
			return true
		}
	}
	return false
}

// release closes every cursor not yet exhausted on its partition.
func (it *mergeIterator[K]) release(ctx context.Context) error {
	defer it.m.untrack(it)
	var errs []error
	for _, s := range it.sources {
		if !s.hasMore {
			continue
		}
		s.hasMore = false
		s.buf = nil
		req := partition.CursorRequest{CursorID: s.cursorID}
		if _, err := cluster.Call(ctx, s.part, it.m.ops.CloseCursor, req); err != nil {
			errs = append(errs, partitionFailure(s.part.ID(), it.m.ops.CloseCursor.ID.Name, err))
		}
	}
	return errors.Join(errs...)
}
