package partition

import (
	"cmp"
	"sync"
	"time"

	"treemapdb/pkg/clock"
	"treemapdb/pkg/keyrange"
)

type cursor[K cmp.Ordered] struct {
	id         uint64
	remaining  keyrange.Range[K]
	descending bool
	batchSize  int
	lastUsed   time.Time
}

// advance drops everything up to and including key from the remaining range.
func (c *cursor[K]) advance(key K) {
	if c.descending {
		c.remaining = c.remaining.Head(key, false)
	} else {
		c.remaining = c.remaining.Tail(key, false)
	}
}

type cursorTable[K cmp.Ordered] struct {
	mu      sync.Mutex
	ids     *clock.AtomicClock
	cursors map[uint64]*cursor[K]
}

func newCursorTable[K cmp.Ordered]() *cursorTable[K] {
	return &cursorTable[K]{
		ids:     clock.NewAtomic(0),
		cursors: make(map[uint64]*cursor[K]),
	}
}

func (t *cursorTable[K]) open(r keyrange.Range[K], descending bool, batchSize int, now time.Time) *cursor[K] {
	c := &cursor[K]{
		id:         t.ids.Next(),
		remaining:  r,
		descending: descending,
		batchSize:  batchSize,
		lastUsed:   now,
	}
	t.mu.Lock()
	t.cursors[c.id] = c
	t.mu.Unlock()
	return c
}

func (t *cursorTable[K]) get(id uint64, now time.Time) (*cursor[K], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cursors[id]
	if ok {
		c.lastUsed = now
	}
	return c, ok
}

func (t *cursorTable[K]) close(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cursors[id]
	delete(t.cursors, id)
	return ok
}

// expire closes cursors idle since before deadline and reports how many.
func (t *cursorTable[K]) expire(deadline time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, c := range t.cursors {
		if c.lastUsed.Before(deadline) {
			delete(t.cursors, id)
			n++
		}
	}
	return n
}

func (t *cursorTable[K]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cursors)
}

func (t *cursorTable[K]) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.cursors)
}
