// Package session owns the active peer and drives connect/recover/disconnect.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jixiexiaoge/cplink/helpers"
	"github.com/jixiexiaoge/cplink/internal/discovery"
	"github.com/jixiexiaoge/cplink/internal/health"
	"github.com/jixiexiaoge/cplink/internal/notify"
	"github.com/jixiexiaoge/cplink/internal/stat"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

var (
	ErrNoActivePeer      = errors.New("no active peer")
	ErrPeerTimedOut      = errors.New("peer timed out")
	ErrRecoveryExhausted = errors.New("recovery exhausted")
)

const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBackoff     = 2 * time.Second
	DefaultReconnectBackoffMax  = 10 * time.Second
)

// Link is outbound side as seen by recovery.
type Link interface {
	// Reopen closes and recreates outbound socket.
	Reopen() error
	// Ping sends one datagram to p directly, bypassing session state.
	Ping(p discovery.Peer) error
}

type Config struct {
	DeviceTimeout        time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	ReconnectBackoffMax  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DeviceTimeout == 0 {
		c.DeviceTimeout = discovery.DefaultDeviceTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.ReconnectBackoffMax == 0 {
		c.ReconnectBackoffMax = DefaultReconnectBackoffMax
	}
}

type Status struct {
	State  State
	Reason string
	Peer   *discovery.Peer
	At     time.Time
}

func (s Status) String() string {
	peer := "none"
	if s.Peer != nil {
		peer = s.Peer.String()
	}
	if s.Reason == "" {
		return fmt.Sprintf("(state=%s peer=%s)", s.State, peer)
	}
	return fmt.Sprintf("(state=%s peer=%s reason=%s)", s.State, peer, s.Reason)
}

// SleepFunc waits d or until stop is closed. Returns false if stopped.
type SleepFunc func(d time.Duration, stop <-chan struct{}) bool

type Manager struct {
	log      *log2.Log
	config   Config
	clock    clock.Clock
	registry *discovery.Registry
	health   *health.Monitor
	link     Link
	bus      *notify.Bus[Status]
	stat     *stat.Link
	sleep    SleepFunc

	mu      sync.Mutex
	state   State
	peer    *discovery.Peer
	reason  string
	alive   *alive.Alive
	pending []Status
}

func NewManager(log *log2.Log, config Config, registry *discovery.Registry, hm *health.Monitor, link Link, clk clock.Clock) *Manager {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	self := &Manager{
		log:      log,
		config:   config,
		clock:    clk,
		registry: registry,
		health:   hm,
		link:     link,
		bus:      notify.NewBus[Status](notify.DefaultQueue),
	}
	self.sleep = self.clockSleep
	return self
}

func (self *Manager) SetSleep(f SleepFunc) { self.sleep = f }
func (self *Manager) SetStat(s *stat.Link) { self.stat = s }

// Subscribe registers status change callback, called on every transition
// from notification goroutine.
func (self *Manager) Subscribe(f func(Status)) { self.bus.Subscribe(f) }

func (self *Manager) Start() {
	self.mu.Lock()
	if self.state != StateIdle {
		self.mu.Unlock()
		return
	}
	self.bus.Start()
	self.alive = alive.NewAlive()
	self.reason = ""
	self.transition(EventStart, "")
	self.autoSelect()
	self.unlockNotify()
}

// Stop cancels recovery, waits for it to finish and flushes notifications.
func (self *Manager) Stop() {
	self.mu.Lock()
	a := self.alive
	self.alive = nil
	if a == nil {
		self.mu.Unlock()
		return
	}
	a.Stop()
	self.peer = nil
	self.transition(EventStop, "stopped")
	self.unlockNotify()
	self.bus.Stop()
	a.Wait()
}

func (self *Manager) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// CurrentPeer returns selected peer in any state.
func (self *Manager) CurrentPeer() (discovery.Peer, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.peer == nil {
		return discovery.Peer{}, false
	}
	return *self.peer, true
}

// ActivePeer returns peer only when sending is allowed.
func (self *Manager) ActivePeer() (discovery.Peer, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.state != StateConnected || self.peer == nil {
		return discovery.Peer{}, false
	}
	return *self.peer, true
}

func (self *Manager) Status() Status {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.status()
}

// AutoSelect binds most recently seen peer unless current one is still registered.
func (self *Manager) AutoSelect() bool {
	self.mu.Lock()
	ok := self.autoSelect()
	self.unlockNotify()
	return ok
}

// PeerSighted implements discovery.Handler.
func (self *Manager) PeerSighted(p discovery.Peer, a discovery.Announcement) {
	self.mu.Lock()
	switch self.state {
	case StateDisconnected:
		self.transition(EventSighted, "peer sighted "+p.Key())
		self.autoSelect()
	case StateDiscovering:
		self.autoSelect()
	case StateConnected:
		if self.peer != nil && self.peer.Key() == p.Key() {
			self.peer.LastSeen = p.LastSeen
			self.peer.Version = p.Version
		}
	}
	self.unlockNotify()
}

// PeersEvicted implements discovery.Handler.
func (self *Manager) PeersEvicted(ps []discovery.Peer) {
	self.mu.Lock()
	if self.peer == nil || !containsPeer(ps, self.peer.Key()) {
		self.mu.Unlock()
		return
	}
	old := self.peer.Key()
	self.peer = nil
	switch self.state {
	case StateConnected:
		if !self.autoSelect() {
			self.transition(EventLost, errors.Annotate(ErrPeerTimedOut, old).Error())
		}
	case StateDiscovering:
		self.autoSelect()
	}
	self.unlockNotify()
}

// PeerActivity refreshes registry entries of ip, e.g. on inbound telemetry.
func (self *Manager) PeerActivity(ip net.IP) {
	if ip != nil {
		self.registry.Touch(ip)
	}
}

// ReportSend feeds outbound result into health, may start recovery.
func (self *Manager) ReportSend(err error) {
	if err == nil {
		self.health.RecordSuccess()
		return
	}
	if self.stat != nil {
		self.stat.SendFailed.Add(1)
	}
	if self.health.RecordFailure() {
		self.StartRecovery("consecutive send failures: " + err.Error())
	}
}

// StartRecovery begins recovery procedure in background.
// Returns false if session is not connected.
func (self *Manager) StartRecovery(reason string) bool {
	self.mu.Lock()
	if self.state != StateConnected || self.alive == nil {
		self.mu.Unlock()
		self.health.EndRecovery()
		return false
	}
	a := self.alive
	if !a.Add(1) {
		self.mu.Unlock()
		self.health.EndRecovery()
		return false
	}
	self.transition(EventFault, reason)
	self.unlockNotify()
	self.log.Errorf("session recovery start reason=%s", reason)
	go self.recover(a)
	return true
}

func (self *Manager) recover(a *alive.Alive) {
	defer a.Done()
	backoff := helpers.Backoff{
		Min: self.config.ReconnectBackoff,
		Max: self.config.ReconnectBackoffMax,
		K:   2,
	}
	reopened := false
	max := self.config.MaxReconnectAttempts
	for attempt := 1; attempt <= max; attempt++ {
		if !a.IsRunning() {
			return
		}
		if !reopened {
			if err := self.link.Reopen(); err != nil {
				self.log.Errorf("session recovery attempt=%d reopen err=%v", attempt, err)
			} else {
				reopened = true
			}
		}
		if reopened {
			if p, ok := self.registry.Best(self.config.DeviceTimeout); !ok {
				self.log.Infof("session recovery attempt=%d no peer in registry", attempt)
			} else if err := self.link.Ping(p); err != nil {
				self.log.Errorf("session recovery attempt=%d peer=%s err=%v", attempt, p.String(), err)
			} else {
				self.reconnected(p, attempt)
				return
			}
		}
		if attempt < max && !self.sleep(backoff.Failure(), a.StopChan()) {
			return
		}
	}

	self.mu.Lock()
	if self.state == StateRecovering {
		self.peer = nil
		self.transition(EventExhausted, errors.Annotatef(ErrRecoveryExhausted, "after %d attempts", max).Error())
	}
	self.unlockNotify()
	self.health.EndRecovery()
	if self.stat != nil {
		self.stat.RecoveryFailed.Add(1)
	}
}

func (self *Manager) reconnected(p discovery.Peer, attempt int) {
	self.health.Reset()
	self.mu.Lock()
	if self.state == StateRecovering {
		self.peer = &p
		self.transition(EventReconnected, fmt.Sprintf("reconnected attempt=%d", attempt))
	}
	self.unlockNotify()
	if self.stat != nil {
		self.stat.Recoveries.Add(1)
	}
}

func (self *Manager) clockSleep(d time.Duration, stop <-chan struct{}) bool {
	select {
	case <-self.clock.After(d):
		return true
	case <-stop:
		return false
	}
}

// autoSelect requires mu.
func (self *Manager) autoSelect() bool {
	if self.peer != nil && self.registry.Has(self.peer.Key()) {
		return false
	}
	best, ok := self.registry.Best(self.config.DeviceTimeout)
	if !ok {
		return false
	}
	if self.state != StateDiscovering && self.state != StateConnected {
		return false
	}
	self.peer = &best
	self.transition(EventSelected, "selected "+best.Key())
	return true
}

// transition requires mu. Invalid transitions are logged and ignored.
func (self *Manager) transition(ev Event, reason string) {
	next, err := Next(self.state, ev)
	if err != nil {
		self.log.Errorf("session %v", err)
		return
	}
	prev := self.state
	self.state = next
	self.reason = reason
	self.log.Infof("session %s -%s-> %s reason=%s", prev, ev, next, reason)
	self.pending = append(self.pending, self.status())
}

// unlockNotify releases mu then publishes transitions made under it.
func (self *Manager) unlockNotify() {
	pending := self.pending
	self.pending = nil
	self.mu.Unlock()
	for _, s := range pending {
		self.bus.Publish(s)
	}
}

func (self *Manager) status() Status {
	s := Status{State: self.state, Reason: self.reason, At: self.clock.Now()}
	if self.peer != nil {
		p := *self.peer
		s.Peer = &p
	}
	return s
}

func containsPeer(ps []discovery.Peer, key string) bool {
	for _, p := range ps {
		if p.Key() == key {
			return true
		}
	}
	return false
}
