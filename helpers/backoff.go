package helpers

import (
	"sync/atomic"
	"time"
)

// Limited exponential backoff for retry delays.
// First Failure() returns Min, each next one multiplies by K up to Max.
// Reset() starts over.
type Backoff struct {
	next int64 // atomic align

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// for attempt := 1; ; attempt++ {
//   if op() == nil { backoff.Reset(); break }
//   sleep(backoff.Failure())
// }
func (b *Backoff) Failure() time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	current := b.limit(time.Duration(atomic.LoadInt64(&b.next)))
	k := b.K
	if k < 1 {
		k = 1
	}
	atomic.StoreInt64(&b.next, int64(b.limit(time.Duration(float32(current)*k))))
	return current
}

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
