package partition

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"treemapdb/pkg/clock"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
	"treemapdb/pkg/versioned"
)

const (
	defaultBatchSize   = 64
	defaultIdleTimeout = time.Minute
	defaultEventBuffer = 256
)

type Options struct {
	CursorBatchSize   int
	CursorIdleTimeout time.Duration
	EventBuffer       int
	Logger            *slog.Logger
	// Now stamps the creation time of values. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.CursorBatchSize <= 0 {
		o.CursorBatchSize = defaultBatchSize
	}
	if o.CursorIdleTimeout <= 0 {
		o.CursorIdleTimeout = defaultIdleTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service is the state machine of one partition. Writes are serialised and
// stamped with versions from a monotonic clock; reads run concurrently.
type Service[K cmp.Ordered] struct {
	id      types.PartitionID
	ops     Operations[K]
	backend Backend[K]
	opts    Options
	logger  *slog.Logger

	mu      sync.RWMutex
	clock   *clock.AtomicClock
	cursors *cursorTable[K]
	subs    *subscribers[K]
	closed  atomic.Bool
}

// NewService wraps backend. The version clock resumes after the highest
// version already stored so versions never go backwards across restarts.
func NewService[K cmp.Ordered](id types.PartitionID, backend Backend[K], opts Options) (*Service[K], error) {
	opts.applyDefaults()
	logger := opts.Logger.With("partition", string(id))

	var maxVersion uint64
	err := backend.Ascend(keyrange.All[K](), func(e *versioned.Entry[K]) bool {
		maxVersion = max(maxVersion, e.Value.Version)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan partition %s: %w", id, err)
	}

	return &Service[K]{
		id:      id,
		ops:     NewOperations[K](),
		backend: backend,
		opts:    opts,
		logger:  logger,
		clock:   clock.NewAtomic(maxVersion),
		cursors: newCursorTable[K](),
		subs:    newSubscribers[K](opts.EventBuffer, logger),
	}, nil
}

func (s *Service[K]) ID() types.PartitionID {
	return s.id
}

// Register binds every tree map operation of this partition to r.
func (s *Service[K]) Register(r *service.Registry) error {
	ops := s.ops
	regs := []error{
		service.RegisterUnary(r, ops.Get, s.Get),
		service.RegisterUnary(r, ops.GetAll, s.GetAll),
		service.RegisterUnary(r, ops.ContainsKey, s.ContainsKey),
		service.RegisterUnary(r, ops.ContainsKeys, s.ContainsKeys),
		service.RegisterUnary(r, ops.ContainsValue, s.ContainsValue),
		service.RegisterUnary(r, ops.Size, s.Size),

		service.RegisterUnary(r, ops.FirstKey, func(service.Empty) (KeyResult[K], error) {
			return s.navigateKey(keyrange.Unbounded[K](), false)
		}),
		service.RegisterUnary(r, ops.LastKey, func(service.Empty) (KeyResult[K], error) {
			return s.navigateKey(keyrange.Unbounded[K](), true)
		}),
		service.RegisterUnary(r, ops.CeilingKey, func(req KeyRequest[K]) (KeyResult[K], error) {
			return s.navigateKey(keyrange.Inclusive(req.Key), false)
		}),
		service.RegisterUnary(r, ops.HigherKey, func(req KeyRequest[K]) (KeyResult[K], error) {
			return s.navigateKey(keyrange.Exclusive(req.Key), false)
		}),
		service.RegisterUnary(r, ops.FloorKey, func(req KeyRequest[K]) (KeyResult[K], error) {
			return s.navigateKey(keyrange.Inclusive(req.Key), true)
		}),
		service.RegisterUnary(r, ops.LowerKey, func(req KeyRequest[K]) (KeyResult[K], error) {
			return s.navigateKey(keyrange.Exclusive(req.Key), true)
		}),

		service.RegisterUnary(r, ops.FirstEntry, func(service.Empty) (*versioned.Entry[K], error) {
			return s.navigate(keyrange.Unbounded[K](), false)
		}),
		service.RegisterUnary(r, ops.LastEntry, func(service.Empty) (*versioned.Entry[K], error) {
			return s.navigate(keyrange.Unbounded[K](), true)
		}),
		service.RegisterUnary(r, ops.CeilingEntry, func(req KeyRequest[K]) (*versioned.Entry[K], error) {
			return s.navigate(keyrange.Inclusive(req.Key), false)
		}),
		service.RegisterUnary(r, ops.HigherEntry, func(req KeyRequest[K]) (*versioned.Entry[K], error) {
			return s.navigate(keyrange.Exclusive(req.Key), false)
		}),
		service.RegisterUnary(r, ops.FloorEntry, func(req KeyRequest[K]) (*versioned.Entry[K], error) {
			return s.navigate(keyrange.Inclusive(req.Key), true)
		}),
		service.RegisterUnary(r, ops.LowerEntry, func(req KeyRequest[K]) (*versioned.Entry[K], error) {
			return s.navigate(keyrange.Exclusive(req.Key), true)
		}),

		service.RegisterUnary(r, ops.Iterate, s.Iterate),
		service.RegisterUnary(r, ops.Next, s.Next),
		service.RegisterCommand(r, ops.CloseCursor, s.CloseCursor),

		service.RegisterUnary(r, ops.Put, s.Put),
		service.RegisterUnary(r, ops.PutAndGet, s.PutAndGet),
		service.RegisterUnary(r, ops.PutIfAbsent, s.PutIfAbsent),
		service.RegisterUnary(r, ops.Remove, s.Remove),
		service.RegisterUnary(r, ops.RemoveValue, s.RemoveValue),
		service.RegisterUnary(r, ops.RemoveVersion, s.RemoveVersion),
		service.RegisterUnary(r, ops.Replace, s.Replace),
		service.RegisterUnary(r, ops.ReplaceValue, s.ReplaceValue),
		service.RegisterUnary(r, ops.ReplaceVersion, s.ReplaceVersion),
		service.RegisterCommand(r, ops.Clear, s.Clear),

		service.RegisterStream(r, ops.Listen, EventStream, s.Listen),
		service.RegisterCommand(r, ops.Unlisten, s.Unlisten),
	}
	for _, err := range regs {
		if err != nil {
			return fmt.Errorf("register partition %s: %w", s.id, err)
		}
	}
	return nil
}

func (s *Service[K]) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("partition %s: %w", s.id, dberrors.ErrClosed)
	}
	return nil
}

// ---- queries ----

func (s *Service[K]) Get(req KeyRequest[K]) (*versioned.Versioned, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Get(req.Key)
}

// GetAll returns the entries of the keys that are present, in request order.
func (s *Service[K]) GetAll(req KeysRequest[K]) ([]*versioned.Entry[K], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*versioned.Entry[K], 0, len(req.Keys))
	for _, key := range req.Keys {
		v, err := s.backend.Get(key)
		if err != nil {
			return nil, err
		}
		if v != nil {
			entries = append(entries, versioned.NewEntry(key, v))
		}
	}
	return entries, nil
}

func (s *Service[K]) ContainsKey(req KeyRequest[K]) (bool, error) {
	v, err := s.Get(req)
	return v != nil, err
}

// ContainsKeys reports whether every key is present.
func (s *Service[K]) ContainsKeys(req KeysRequest[K]) (bool, error) {
	entries, err := s.GetAll(req)
	if err != nil {
		return false, err
	}
	return len(entries) == len(req.Keys), nil
}

func (s *Service[K]) ContainsValue(req ValueRequest) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := false
	err := s.backend.Ascend(keyrange.All[K](), func(e *versioned.Entry[K]) bool {
		found = bytes.Equal(e.Value.Value, req.Value)
		return !found
	})
	return found, err
}

// Size counts the entries inside the requested range.
func (s *Service[K]) Size(req RangeRequest[K]) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	err := s.backend.Ascend(req.Range, func(*versioned.Entry[K]) bool {
		n++
		return true
	})
	return n, err
}

// navigate finds the nearest entry beyond bound: upward from a lower bound,
// or downward from an upper bound when reverse is set.
func (s *Service[K]) navigate(bound keyrange.Bound[K], reverse bool) (*versioned.Entry[K], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if reverse {
		return s.backend.SeekReverse(bound)
	}
	return s.backend.Seek(bound)
}

func (s *Service[K]) navigateKey(bound keyrange.Bound[K], reverse bool) (KeyResult[K], error) {
	entry, err := s.navigate(bound, reverse)
	if err != nil || entry == nil {
		return KeyResult[K]{}, err
	}
	return KeyResult[K]{Key: entry.Key, Found: true}, nil
}

// ---- cursors ----

// Iterate opens a cursor over a range and returns its first batch.
func (s *Service[K]) Iterate(req IterateRequest[K]) (Batch[K], error) {
	if err := s.checkOpen(); err != nil {
		return Batch[K]{}, err
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.opts.CursorBatchSize
	}
	c := s.cursors.open(req.Range, req.Descending, batchSize, s.opts.Now())
	return s.fetch(c)
}

func (s *Service[K]) Next(req CursorRequest) (Batch[K], error) {
	if err := s.checkOpen(); err != nil {
		return Batch[K]{}, err
	}
	c, ok := s.cursors.get(req.CursorID, s.opts.Now())
	if !ok {
		return Batch[K]{}, fmt.Errorf("cursor %d: %w", req.CursorID, dberrors.ErrNotFound)
	}
	return s.fetch(c)
}

func (s *Service[K]) CloseCursor(req CursorRequest) error {
	s.cursors.close(req.CursorID)
	return nil
}

// fetch reads one batch plus one lookahead entry to learn whether more
// remain. Exhausted cursors are released immediately.
func (s *Service[K]) fetch(c *cursor[K]) (Batch[K], error) {
	s.mu.RLock()
	entries := make([]*versioned.Entry[K], 0, c.batchSize+1)
	collect := func(e *versioned.Entry[K]) bool {
		entries = append(entries, e)
		return len(entries) <= c.batchSize
	}
	var err error
	if c.descending {
		err = s.backend.Descend(c.remaining, collect)
	} else {
		err = s.backend.Ascend(c.remaining, collect)
	}
	s.mu.RUnlock()
	if err != nil {
		s.cursors.close(c.id)
		return Batch[K]{}, err
	}

	batch := Batch[K]{CursorID: c.id, Entries: entries}
	if len(entries) > c.batchSize {
		batch.Entries = entries[:c.batchSize]
		batch.HasMore = true
	}
	if len(batch.Entries) > 0 {
		c.advance(batch.Entries[len(batch.Entries)-1].Key)
	}
	if !batch.HasMore {
		s.cursors.close(c.id)
	}
	return batch, nil
}

// ExpireCursors drops cursors idle for longer than the configured timeout.
func (s *Service[K]) ExpireCursors(now time.Time) int {
	n := s.cursors.expire(now.Add(-s.opts.CursorIdleTimeout))
	if n > 0 {
		s.logger.Info("expired idle cursors", "count", n)
	}
	return n
}

// OpenCursors reports how many cursors are currently held.
func (s *Service[K]) OpenCursors() int {
	return s.cursors.len()
}

// Run sweeps idle cursors until ctx is done.
func (s *Service[K]) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CursorIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ExpireCursors(now)
		}
	}
}

// ---- commands ----

// write runs fn under the write lock. fn reports the event to publish, if any.
func (s *Service[K]) write(fn func() (*versioned.Event[K], error)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := fn()
	if err != nil {
		return err
	}
	if ev != nil {
		s.subs.publish(*ev)
	}
	return nil
}

func (s *Service[K]) stamp(value []byte) *versioned.Versioned {
	return versioned.New(value, s.clock.Next(), s.opts.Now())
}

// store writes value under key and describes the change.
func (s *Service[K]) store(key K, prev *versioned.Versioned, value []byte) (*versioned.Versioned, *versioned.Event[K], error) {
	next := s.stamp(value)
	if err := s.backend.Put(key, next); err != nil {
		return nil, nil, fmt.Errorf("put %v: %w", key, err)
	}
	ev := &versioned.Event[K]{Type: versioned.EventInsert, Key: key, NewValue: next}
	if prev != nil {
		ev.Type = versioned.EventUpdate
		ev.OldValue = prev
	}
	return next, ev, nil
}

func (s *Service[K]) delete(key K, prev *versioned.Versioned) (*versioned.Event[K], error) {
	if err := s.backend.Delete(key); err != nil {
		return nil, fmt.Errorf("delete %v: %w", key, err)
	}
	return &versioned.Event[K]{Type: versioned.EventRemove, Key: key, OldValue: prev}, nil
}

// Put stores a value and returns the previous one.
func (s *Service[K]) Put(req PutRequest[K]) (*versioned.Versioned, error) {
	var prev *versioned.Versioned
	err := s.write(func() (*versioned.Event[K], error) {
		var err error
		if prev, err = s.backend.Get(req.Key); err != nil {
			return nil, err
		}
		_, ev, err := s.store(req.Key, prev, req.Value)
		return ev, err
	})
	return prev, err
}

// PutAndGet stores a value and returns it with its new version.
func (s *Service[K]) PutAndGet(req PutRequest[K]) (*versioned.Versioned, error) {
	var next *versioned.Versioned
	err := s.write(func() (*versioned.Event[K], error) {
		prev, err := s.backend.Get(req.Key)
		if err != nil {
			return nil, err
		}
		var ev *versioned.Event[K]
		next, ev, err = s.store(req.Key, prev, req.Value)
		return ev, err
	})
	return next, err
}

// PutIfAbsent stores a value only when the key is absent. It returns the
// existing value, or nil when the write happened.
func (s *Service[K]) PutIfAbsent(req PutRequest[K]) (*versioned.Versioned, error) {
	var existing *versioned.Versioned
	err := s.write(func() (*versioned.Event[K], error) {
		var err error
		if existing, err = s.backend.Get(req.Key); err != nil || existing != nil {
			return nil, err
		}
		_, ev, err := s.store(req.Key, nil, req.Value)
		return ev, err
	})
	return existing, err
}

// Remove deletes a key and returns its last value.
func (s *Service[K]) Remove(req KeyRequest[K]) (*versioned.Versioned, error) {
	var prev *versioned.Versioned
	err := s.write(func() (*versioned.Event[K], error) {
		var err error
		if prev, err = s.backend.Get(req.Key); err != nil || prev == nil {
			return nil, err
		}
		return s.delete(req.Key, prev)
	})
	return prev, err
}

func (s *Service[K]) RemoveValue(req RemoveValueRequest[K]) (bool, error) {
	removed := false
	err := s.write(func() (*versioned.Event[K], error) {
		prev, err := s.backend.Get(req.Key)
		if err != nil || prev == nil || !bytes.Equal(prev.Value, req.Value) {
			return nil, err
		}
		removed = true
		return s.delete(req.Key, prev)
	})
	return removed, err
}

func (s *Service[K]) RemoveVersion(req RemoveVersionRequest[K]) (bool, error) {
	removed := false
	err := s.write(func() (*versioned.Event[K], error) {
		prev, err := s.backend.Get(req.Key)
		if err != nil || prev == nil || prev.Version != req.Version {
			return nil, err
		}
		removed = true
		return s.delete(req.Key, prev)
	})
	return removed, err
}

// Replace overwrites an existing key and returns the previous value. Absent
// keys are left absent and nil is returned.
func (s *Service[K]) Replace(req PutRequest[K]) (*versioned.Versioned, error) {
	var prev *versioned.Versioned
	err := s.write(func() (*versioned.Event[K], error) {
		var err error
		if prev, err = s.backend.Get(req.Key); err != nil || prev == nil {
			return nil, err
		}
		_, ev, err := s.store(req.Key, prev, req.Value)
		return ev, err
	})
	return prev, err
}

func (s *Service[K]) ReplaceValue(req ReplaceValueRequest[K]) (bool, error) {
	replaced := false
	err := s.write(func() (*versioned.Event[K], error) {
		prev, err := s.backend.Get(req.Key)
		if err != nil || prev == nil || !bytes.Equal(prev.Value, req.OldValue) {
			return nil, err
		}
		replaced = true
		_, ev, err := s.store(req.Key, prev, req.NewValue)
		return ev, err
	})
	return replaced, err
}

// ReplaceVersion is the compare-and-swap primitive: the write happens only
// while the stored version still equals OldVersion.
func (s *Service[K]) ReplaceVersion(req ReplaceVersionRequest[K]) (bool, error) {
	replaced := false
	err := s.write(func() (*versioned.Event[K], error) {
		prev, err := s.backend.Get(req.Key)
		if err != nil || prev == nil || prev.Version != req.OldVersion {
			return nil, err
		}
		replaced = true
		_, ev, err := s.store(req.Key, prev, req.NewValue)
		return ev, err
	})
	return replaced, err
}

// Clear removes every entry inside the requested range.
func (s *Service[K]) Clear(req RangeRequest[K]) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*versioned.Entry[K]
	if err := s.backend.Ascend(req.Range, func(e *versioned.Entry[K]) bool {
		doomed = append(doomed, e)
		return true
	}); err != nil {
		return err
	}
	for _, e := range doomed {
		ev, err := s.delete(e.Key, e.Value)
		if err != nil {
			return err
		}
		s.subs.publish(*ev)
	}
	if len(doomed) > 0 {
		s.logger.Debug("range cleared", "range", req.Range.String(), "removed", len(doomed))
	}
	return nil
}

// ---- events ----

// Listen streams every change of this partition until Unlisten, the end of
// ctx or Close.
func (s *Service[K]) Listen(ctx context.Context, req ListenRequest, h service.StreamHandler[versioned.Event[K]]) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.subs.add(ctx, req.SubscriptionID, h)
}

func (s *Service[K]) Unlisten(req ListenRequest) error {
	s.subs.remove(req.SubscriptionID)
	return nil
}

// Subscribers reports how many listen streams are open.
func (s *Service[K]) Subscribers() int {
	return s.subs.len()
}

// Close completes every listen stream, drops all cursors and closes the backend.
func (s *Service[K]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.subs.closeAll()
	s.cursors.clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}
