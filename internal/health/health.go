// Package health scores outbound send outcomes and decides when the link
// is bad enough to start recovery.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/temoto/alive/v2"
)

const (
	DefaultErrorWindow     = 5 * time.Second
	DefaultQualityWindow   = 30 * time.Second
	DefaultQualityInterval = 5 * time.Second

	ThresholdPoor    = 2
	ThresholdDefault = 3
	ThresholdGood    = 5
)

type Config struct {
	// Failure later than ErrorWindow after previous one restarts consecutive count.
	ErrorWindow     time.Duration
	QualityWindow   time.Duration
	QualityInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ErrorWindow == 0 {
		c.ErrorWindow = DefaultErrorWindow
	}
	if c.QualityWindow == 0 {
		c.QualityWindow = DefaultQualityWindow
	}
	if c.QualityInterval == 0 {
		c.QualityInterval = DefaultQualityInterval
	}
}

type Snapshot struct {
	Quality      float64
	Threshold    int
	Consecutive  int
	Recovering   bool
	Successes    int // inside quality window
	Failures     int // inside quality window
	TotalSuccess uint64
	TotalFailure uint64
}

func (s Snapshot) String() string {
	return fmt.Sprintf("(quality=%.2f threshold=%d consecutive=%d recovering=%t window=%d/%d)",
		s.Quality, s.Threshold, s.Consecutive, s.Recovering, s.Successes, s.Successes+s.Failures)
}

type sample struct {
	at time.Time
	ok bool
}

type Monitor struct {
	mu          sync.Mutex
	clock       clock.Clock
	config      Config
	consecutive int
	lastFailure time.Time
	samples     []sample
	quality     float64
	threshold   int
	recovering  bool
	total       struct{ success, failure uint64 }
}

func NewMonitor(config Config, clk clock.Clock) *Monitor {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		clock:     clk,
		config:    config,
		quality:   1,
		threshold: ThresholdDefault,
		samples:   make([]sample, 0, 256),
	}
}

func (self *Monitor) RecordSuccess() {
	now := self.clock.Now()
	self.mu.Lock()
	defer self.mu.Unlock()
	self.consecutive = 0
	self.samples = append(self.samples, sample{at: now, ok: true})
	self.total.success++
}

// RecordFailure returns true exactly once per recovery episode,
// when consecutive failures reach current threshold.
// Call Reset or EndRecovery to allow next trigger.
func (self *Monitor) RecordFailure() bool {
	now := self.clock.Now()
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.consecutive == 0 || self.lastFailure.IsZero() || now.Sub(self.lastFailure) > self.config.ErrorWindow {
		self.consecutive = 1
	} else {
		self.consecutive++
	}
	self.lastFailure = now
	self.samples = append(self.samples, sample{at: now, ok: false})
	self.total.failure++

	if self.consecutive >= self.threshold && !self.recovering {
		self.recovering = true
		return true
	}
	return false
}

// Recompute prunes samples outside quality window and adapts threshold.
func (self *Monitor) Recompute() Snapshot {
	now := self.clock.Now()
	self.mu.Lock()
	defer self.mu.Unlock()
	cut := now.Add(-self.config.QualityWindow)
	i := 0
	for i < len(self.samples) && self.samples[i].at.Before(cut) {
		i++
	}
	if i > 0 {
		self.samples = append(self.samples[:0], self.samples[i:]...)
	}
	succ, fail := self.count()
	if succ+fail == 0 {
		self.quality = 1
		return self.snapshot()
	}
	self.quality = float64(succ) / float64(succ+fail)
	self.threshold = ThresholdFor(self.quality)
	return self.snapshot()
}

func ThresholdFor(quality float64) int {
	switch {
	case quality < 0.5:
		return ThresholdPoor
	case quality > 0.8:
		return ThresholdGood
	default:
		return ThresholdDefault
	}
}

// Reset after successful recovery: clears consecutive errors and recovering latch.
// Quality samples are kept.
func (self *Monitor) Reset() {
	self.mu.Lock()
	self.consecutive = 0
	self.lastFailure = time.Time{}
	self.recovering = false
	self.mu.Unlock()
}

// EndRecovery releases recovering latch without forgiving errors,
// next failure may trigger recovery again.
func (self *Monitor) EndRecovery() {
	self.mu.Lock()
	self.recovering = false
	self.mu.Unlock()
}

func (self *Monitor) Quality() float64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.quality
}

func (self *Monitor) Threshold() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.threshold
}

func (self *Monitor) Snapshot() Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.snapshot()
}

// Run recomputes quality every QualityInterval until a stops.
func (self *Monitor) Run(a *alive.Alive) {
	if !a.Add(1) {
		return
	}
	defer a.Done()
	tick := self.clock.Ticker(self.config.QualityInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			self.Recompute()
		case <-a.StopChan():
			return
		}
	}
}

func (self *Monitor) count() (succ, fail int) {
	for _, s := range self.samples {
		if s.ok {
			succ++
		} else {
			fail++
		}
	}
	return
}

func (self *Monitor) snapshot() Snapshot {
	succ, fail := self.count()
	return Snapshot{
		Quality:      self.quality,
		Threshold:    self.threshold,
		Consecutive:  self.consecutive,
		Recovering:   self.recovering,
		Successes:    succ,
		Failures:     fail,
		TotalSuccess: self.total.success,
		TotalFailure: self.total.failure,
	}
}
