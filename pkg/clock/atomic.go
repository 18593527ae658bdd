package clock

import "sync/atomic"

// AtomicClock is a monotonic counter. Partitions use it to stamp versions
// on writes and to number cursors.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Set moves the clock to t. The clock never goes backwards: a smaller t is ignored.
func (ac *AtomicClock) Set(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur {
			return
		}
		if ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
