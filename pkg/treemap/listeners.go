package treemap

import (
	"cmp"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/service"
	"treemapdb/pkg/versioned"
)

// MapEventListener receives the changes of a map view. Listeners are
// identified by value, so implementations should be pointers.
type MapEventListener[K any] interface {
	Event(ev versioned.Event[K])
}

type CollectionEventType uint8

const (
	CollectionAdd CollectionEventType = iota + 1
	CollectionRemove
)

func (t CollectionEventType) String() string {
	switch t {
	case CollectionAdd:
		return "ADD"
	case CollectionRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// CollectionEvent is a map event seen through a key set, entry set or value
// collection.
type CollectionEvent[E any] struct {
	Type    CollectionEventType
	Element E
}

// CollectionListener receives the changes of a collection view. Updates of
// an existing key are not reported.
type CollectionListener[E any] interface {
	Event(ev CollectionEvent[E])
}

// toCollection translates a map event for a collection view. project picks
// the element from the event: the new side for an insert, the old side for
// a remove.
func toCollection[K, E any](ev versioned.Event[K], project func(ev versioned.Event[K], removed bool) E) (CollectionEvent[E], bool) {
	switch ev.Type {
	case versioned.EventInsert:
		return CollectionEvent[E]{Type: CollectionAdd, Element: project(ev, false)}, true
	case versioned.EventRemove:
		return CollectionEvent[E]{Type: CollectionRemove, Element: project(ev, true)}, true
	default:
		return CollectionEvent[E]{}, false
	}
}

type forwarder[K any] struct {
	fn func(versioned.Event[K])
}

// binder maps caller listeners of one view to the forwarders registered on
// the hub. Adding a bound listener again and removing an unknown one are
// no-ops.
type binder[L comparable, K cmp.Ordered] struct {
	hub *eventHub[K]

	// mu serializes add and remove of one view.
	mu    sync.Mutex
	bound map[L]*forwarder[K]
}

func newBinder[L comparable, K cmp.Ordered](hub *eventHub[K]) *binder[L, K] {
	return &binder[L, K]{hub: hub, bound: make(map[L]*forwarder[K])}
}

func (b *binder[L, K]) add(ctx context.Context, l L, fn func(versioned.Event[K])) error {
	if err := b.hub.m.checkOpen(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bound[l]; ok {
		return nil
	}
	fw := &forwarder[K]{fn: fn}
	if err := b.hub.add(ctx, fw); err != nil {
		return err
	}
	b.bound[l] = fw
	return nil
}

func (b *binder[L, K]) remove(ctx context.Context, l L) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fw, ok := b.bound[l]
	if !ok {
		return nil
	}
	delete(b.bound, l)
	return b.hub.remove(ctx, fw)
}

// size is the number of bound listeners.
func (b *binder[L, K]) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bound)
}

// eventHub holds the single listen subscription a map keeps on every
// partition while at least one listener is bound, and fans the events out
// to the forwarders of all views.
type eventHub[K cmp.Ordered] struct {
	m *TreeMap[K]

	// mu serializes subscribe and unsubscribe.
	mu     sync.Mutex
	subID  string
	cancel context.CancelFunc

	fwMu       sync.RWMutex
	forwarders map[*forwarder[K]]struct{}
}

func newEventHub[K cmp.Ordered](m *TreeMap[K]) *eventHub[K] {
	return &eventHub[K]{m: m, forwarders: make(map[*forwarder[K]]struct{})}
}

func (h *eventHub[K]) add(ctx context.Context, fw *forwarder[K]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.m.checkOpen(); err != nil {
		return err
	}
	if h.cancel == nil {
		if err := h.subscribe(ctx); err != nil {
			return err
		}
	}
	h.fwMu.Lock()
	h.forwarders[fw] = struct{}{}
	h.fwMu.Unlock()
	return nil
}

func (h *eventHub[K]) remove(ctx context.Context, fw *forwarder[K]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fwMu.Lock()
	delete(h.forwarders, fw)
	left := len(h.forwarders)
	h.fwMu.Unlock()
	if left > 0 || h.cancel == nil {
		return nil
	}
	return h.unsubscribe(ctx)
}

// listeners reports how many forwarders are bound across all views.
func (h *eventHub[K]) listeners() int {
	h.fwMu.RLock()
	defer h.fwMu.RUnlock()
	return len(h.forwarders)
}

func (h *eventHub[K]) subscribe(ctx context.Context) error {
	id := uuid.NewString()
	// streams hang off the map context, not the caller's
	sctx, cancel := context.WithCancel(h.m.ctx)
	listen := h.m.ops.Listen
	req := partition.ListenRequest{SubscriptionID: id}

	_, err := cluster.ApplyAll(ctx, h.m.proxy, listen.ID.Name,
		func(_ context.Context, part cluster.Partition) (struct{}, error) {
			handler := service.HandlerFuncs[versioned.Event[K]]{
				OnNext: h.dispatch,
				OnError: func(err error) {
					if sctx.Err() == nil {
						h.m.logger.Warn("event stream failed", "partition", part.ID(), "error", err)
					}
				},
			}
			return struct{}{}, cluster.Stream(sctx, part, listen, req, handler)
		})
	if err != nil {
		cancel()
		return err
	}
	h.subID, h.cancel = id, cancel
	h.m.logger.Debug("subscribed to events", "subscription", id)
	return nil
}

func (h *eventHub[K]) unsubscribe(ctx context.Context) error {
	req := partition.ListenRequest{SubscriptionID: h.subID}
	_, err := cluster.ApplyAll(ctx, h.m.proxy, h.m.ops.Unlisten.ID.Name,
		func(ctx context.Context, part cluster.Partition) (service.Empty, error) {
			return cluster.Call(ctx, part, h.m.ops.Unlisten, req)
		})
	h.cancel()
	h.m.logger.Debug("unsubscribed from events", "subscription", h.subID)
	h.subID, h.cancel = "", nil
	return err
}

func (h *eventHub[K]) dispatch(ev versioned.Event[K]) {
	h.fwMu.RLock()
	fws := make([]*forwarder[K], 0, len(h.forwarders))
	for fw := range h.forwarders {
		fws = append(fws, fw)
	}
	h.fwMu.RUnlock()
	for _, fw := range fws {
		fw.fn(ev)
	}
}

// close drops every forwarder and ends the subscription.
func (h *eventHub[K]) close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fwMu.Lock()
	clear(h.forwarders)
	h.fwMu.Unlock()
	if h.cancel == nil {
		return nil
	}
	err := h.unsubscribe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
