// Package atomic_clock is convenient API around atomic int64 wall clock.
// Zero value means "never". Use for time accounting shared between goroutines.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

func (c *Clock) get() int64              { return atomic.LoadInt64(&c.v) }
func (c *Clock) set(new int64)           { atomic.StoreInt64(&c.v, new) }
func (c *Clock) cas(old, new int64) bool { return atomic.CompareAndSwapInt64(&c.v, old, new) }

func (c *Clock) SetTime(t time.Time) { c.set(t.UnixNano()) }
func (c *Clock) Reset()              { c.set(0) }

// CompareAndReset zeroes clock only if it still holds old value,
// so concurrent SetTime() is not lost.
func (c *Clock) CompareAndReset(old int64) bool { return c.cas(old, 0) }

func (c *Clock) UnixNano() int64 { return c.get() }

// Time returns zero time.Time for zero clock.
func (c *Clock) Time() time.Time {
	v := c.get()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}
