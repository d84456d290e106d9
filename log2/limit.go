package log2

import (
	"sync/atomic"
	"time"
)

// Every passes first First events, then every Period-th one.
// Zero Period means only First events pass.
type Every struct {
	First  int64
	Period int64
	n      int64
}

// Allow returns true if event should be logged and its 1-based ordinal.
func (self *Every) Allow() (bool, int64) {
	n := atomic.AddInt64(&self.n, 1)
	if n <= self.First {
		return true, n
	}
	if self.Period > 0 && n%self.Period == 0 {
		return true, n
	}
	return false, n
}

func (self *Every) Count() int64 { return atomic.LoadInt64(&self.n) }
func (self *Every) Reset()       { atomic.StoreInt64(&self.n, 0) }

// Interval passes at most one event per D.
type Interval struct {
	D    time.Duration
	last int64
}

func (self *Interval) Allow(now time.Time) bool {
	for {
		last := atomic.LoadInt64(&self.last)
		ns := now.UnixNano()
		if last != 0 && time.Duration(ns-last) < self.D {
			return false
		}
		if atomic.CompareAndSwapInt64(&self.last, last, ns) {
			return true
		}
	}
}
