package clock

import "sync/atomic"

// AtomicClock hands out sequence numbers. The store only advances it under
// its write mutex, after the WAL has accepted the record.
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

// Peek returns the value Next would produce without consuming it.
func (ac *AtomicClock) Peek() uint64 {
	return ac.Load() + 1
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Advance raises the clock to t if it is behind.
func (ac *AtomicClock) Advance(t uint64) {
	for {
		cur := ac.Load()
		if cur >= t || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
