// Package treemap is the client of a distributed sorted map. Keys are spread
// over partitions that each keep their share sorted; TreeMap merges their
// answers so the map behaves as one globally ordered collection.
//
// Every view (sub-maps, key sets, entry sets, value collections and their
// descending forms) narrows the queries it sends to its own bounds. Views
// hold no data and can be derived from each other freely.
package treemap

import (
	"cmp"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/encoding/keycodec"
	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/partition"
)

const defaultBatchSize = 64

type Options struct {
	// BatchSize is the number of entries an iterator fetches per round trip.
	BatchSize int
	Logger    *slog.Logger
}

// TreeMap is the whole, unbounded map. It embeds its root view, so every
// MapView method is available on it directly.
type TreeMap[K cmp.Ordered] struct {
	*MapView[K]

	name      string
	proxy     *cluster.Proxy
	ops       partition.Operations[K]
	codec     keycodec.Codec[K]
	batchSize int
	logger    *slog.Logger

	// ctx outlives single calls: event streams and cursors hang off it.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	hub *eventHub[K]

	itersMu sync.Mutex
	iters   map[*mergeIterator[K]]struct{}
}

func New[K cmp.Ordered](name string, proxy *cluster.Proxy, opts Options) *TreeMap[K] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &TreeMap[K]{
		name:      name,
		proxy:     proxy,
		ops:       partition.NewOperations[K](),
		codec:     keycodec.For[K](),
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With("treemap", name),
		ctx:       ctx,
		cancel:    cancel,
		iters:     make(map[*mergeIterator[K]]struct{}),
	}
	m.hub = newEventHub(m)
	m.MapView = newMapView(m, bounds[K]{r: keyrange.All[K]()})
	return m
}

func (m *TreeMap[K]) Name() string {
	return m.name
}

func (m *TreeMap[K]) checkOpen() error {
	if m.closed.Load() {
		return dberrors.ErrClosed
	}
	return nil
}

// Close releases every open iterator and listener registration of the map
// and of all views derived from it. Calls already in flight may complete;
// later calls fail with ErrClosed.
func (m *TreeMap[K]) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.itersMu.Lock()
	iters := make([]*mergeIterator[K], 0, len(m.iters))
	for it := range m.iters {
		iters = append(iters, it)
	}
	m.itersMu.Unlock()
	for _, it := range iters {
		it.abort(ctx)
	}

	err := m.hub.close(ctx)
	m.cancel()
	m.logger.Debug("treemap closed", "iterators", len(iters))
	return err
}

func (m *TreeMap[K]) track(it *mergeIterator[K]) {
	m.itersMu.Lock()
	m.iters[it] = struct{}{}
	m.itersMu.Unlock()
}

func (m *TreeMap[K]) untrack(it *mergeIterator[K]) {
	m.itersMu.Lock()
	delete(m.iters, it)
	m.itersMu.Unlock()
}

// OpenIterators reports iterators that still hold server cursors.
func (m *TreeMap[K]) OpenIterators() int {
	m.itersMu.Lock()
	defer m.itersMu.Unlock()
	return len(m.iters)
}
