package partition

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/listener"
	"treemapdb/pkg/service"
	"treemapdb/pkg/versioned"
)

type subscriber[K cmp.Ordered] struct {
	id      string
	ch      chan versioned.Event[K]
	pump    *listener.Listener[versioned.Event[K]]
	removed chan struct{}
}

// subscribers fans events out to listen streams. Each subscriber has a
// bounded queue drained by its own pump, so a slow consumer never blocks a
// writer; it loses events instead.
type subscribers[K cmp.Ordered] struct {
	mu     sync.Mutex
	subs   map[string]*subscriber[K]
	buffer int
	logger *slog.Logger
}

func newSubscribers[K cmp.Ordered](buffer int, logger *slog.Logger) *subscribers[K] {
	return &subscribers[K]{
		subs:   make(map[string]*subscriber[K]),
		buffer: buffer,
		logger: logger,
	}
}

// add starts delivering events to h until ctx is done or remove is called.
// h receives Complete when the subscription ends.
func (s *subscribers[K]) add(ctx context.Context, id string, h service.StreamHandler[versioned.Event[K]]) error {
	if id == "" {
		return fmt.Errorf("empty subscription id: %w", dberrors.ErrInvalidArgument)
	}
	sub := &subscriber[K]{id: id, ch: make(chan versioned.Event[K], s.buffer), removed: make(chan struct{})}
	sub.pump = listener.New(sub.ch, func(ev versioned.Event[K]) error {
		h.Next(ev)
		return nil
	}, h.Complete)

	s.mu.Lock()
	if _, ok := s.subs[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("subscription %s already exists: %w", id, dberrors.ErrInvalidArgument)
	}
	s.subs[id] = sub
	s.mu.Unlock()

	sub.pump.Start(context.Background())
	go func() {
		select {
		case <-ctx.Done():
			s.drop(sub)
		case <-sub.removed:
		}
	}()
	return nil
}

func (s *subscribers[K]) remove(id string) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.drop(sub)
}

// drop ends sub unless it was already replaced or removed.
func (s *subscribers[K]) drop(sub *subscriber[K]) bool {
	s.mu.Lock()
	if s.subs[sub.id] != sub {
		s.mu.Unlock()
		return false
	}
	delete(s.subs, sub.id)
	s.mu.Unlock()
	close(sub.removed)
	sub.pump.Stop()
	return true
}

func (s *subscribers[K]) publish(ev versioned.Event[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn("subscriber lagging, event dropped",
				"subscription", sub.id, "event", ev.Type.String(), "key", ev.Key)
		}
	}
}

func (s *subscribers[K]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *subscribers[K]) closeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.remove(id)
	}
}
