// Package notify delivers events to subscribers from one goroutine.
//
// Delivery contract: every event published while the bus runs is passed to
// each subscriber at most once, in publish order, from the bus goroutine.
// Publish never calls subscribers directly, so publishers may hold locks.
// When queue is full Publish blocks until space is available or bus stops.
//
// Subscribers may call Stop (and Start) on the bus that is delivering to them.
// Such Stop returns without waiting; the remaining queued events are
// delivered after the subscriber returns.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/temoto/alive/v2"
)

const DefaultQueue = 64

// generation is one Start..Stop cycle with its own queue,
// so a restart never shares events with a draining predecessor.
type generation[T any] struct {
	alive      *alive.Alive
	q          chan T
	delivering int32
}

type Bus[T any] struct {
	mu      sync.Mutex
	subs    []func(T)
	queue   int
	cur     *generation[T]
	dropped uint64
}

func NewBus[T any](queue int) *Bus[T] {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Bus[T]{queue: queue}
}

// Subscribe adds f to subscriber list. Safe to call any time.
func (self *Bus[T]) Subscribe(f func(T)) {
	if f == nil {
		return
	}
	self.mu.Lock()
	self.subs = append(self.subs, f)
	self.mu.Unlock()
}

// Start runs delivery goroutine. No-op if running.
func (self *Bus[T]) Start() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.cur != nil && self.cur.alive.IsRunning() {
		return
	}
	r := &generation[T]{alive: alive.NewAlive(), q: make(chan T, self.queue)}
	self.cur = r
	r.alive.Add(1)
	go self.run(r)
}

// Stop delivers already queued events, then stops delivery goroutine.
// Called from a subscriber, it does not wait for delivery to finish.
func (self *Bus[T]) Stop() {
	self.mu.Lock()
	r := self.cur
	self.cur = nil
	self.mu.Unlock()
	if r == nil {
		return
	}
	r.alive.Stop()
	if atomic.LoadInt32(&r.delivering) == 1 {
		return
	}
	r.alive.Wait()
}

// Publish queues event. Returns false if bus is not running, event is dropped.
func (self *Bus[T]) Publish(ev T) bool {
	self.mu.Lock()
	r := self.cur
	self.mu.Unlock()
	if r == nil {
		atomic.AddUint64(&self.dropped, 1)
		return false
	}
	select {
	case r.q <- ev:
		return true
	case <-r.alive.StopChan():
		atomic.AddUint64(&self.dropped, 1)
		return false
	}
}

func (self *Bus[T]) Dropped() uint64 { return atomic.LoadUint64(&self.dropped) }

func (self *Bus[T]) run(r *generation[T]) {
	defer r.alive.Done()
	for {
		select {
		case ev := <-r.q:
			self.deliver(r, ev)
		case <-r.alive.StopChan():
			for {
				select {
				case ev := <-r.q:
					self.deliver(r, ev)
				default:
					return
				}
			}
		}
	}
}

func (self *Bus[T]) deliver(r *generation[T], ev T) {
	self.mu.Lock()
	subs := self.subs
	self.mu.Unlock()
	atomic.StoreInt32(&r.delivering, 1)
	defer atomic.StoreInt32(&r.delivering, 0)
	for _, f := range subs {
		f(ev)
	}
}
