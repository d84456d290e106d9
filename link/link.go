// Package link is UDP transport between mobile relay and driving assistance
// computer: discovery, session, outbound state and inbound telemetry
// behind one start/stop surface.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jixiexiaoge/cplink/internal/change"
	"github.com/jixiexiaoge/cplink/internal/discovery"
	"github.com/jixiexiaoge/cplink/internal/health"
	"github.com/jixiexiaoge/cplink/internal/inbound"
	"github.com/jixiexiaoge/cplink/internal/notify"
	"github.com/jixiexiaoge/cplink/internal/outbound"
	"github.com/jixiexiaoge/cplink/internal/session"
	"github.com/jixiexiaoge/cplink/internal/stat"
	"github.com/jixiexiaoge/cplink/internal/udp"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"go.uber.org/multierr"
)

type (
	TelemetryEvent = inbound.TelemetryEvent
	State          = session.State
)

// Status is point in time view of transport.
type Status struct {
	Running         bool             `json:"running"`
	State           State            `json:"state"`
	Reason          string           `json:"reason,omitempty"`
	Peer            *discovery.Peer  `json:"peer,omitempty"`
	Peers           []discovery.Peer `json:"peers"`
	PacketsSent     int64            `json:"packets_sent"`
	PacketsReceived int64            `json:"packets_received"`
	QualityScore    float64          `json:"quality_score"`
	Threshold       int              `json:"threshold"`
	LastSendAt      time.Time        `json:"last_send_at"`
	LastDataAt      time.Time        `json:"last_data_at"`
	Sequence        uint64           `json:"sequence"`
	InstanceID      string           `json:"instance_id"`
}

func (s Status) String() string {
	peer := "none"
	if s.Peer != nil {
		peer = s.Peer.String()
	}
	return fmt.Sprintf("(running=%t state=%s peer=%s peers=%d sent=%d received=%d quality=%.2f threshold=%d seq=%d)",
		s.Running, s.State, peer, len(s.Peers), s.PacketsSent, s.PacketsReceived, s.QualityScore, s.Threshold, s.Sequence)
}

type Option func(*Transport)

func WithClock(clk clock.Clock) Option { return func(t *Transport) { t.clock = clk } }

// WithFactory replaces system UDP sockets, used by tests.
func WithFactory(f udp.Factory) Option { return func(t *Transport) { t.factory = f } }

// WithLocalIPs overrides local address set used to ignore own discovery echo.
func WithLocalIPs(f func() map[string]bool) Option { return func(t *Transport) { t.localIPs = f } }

func WithSleep(f session.SleepFunc) Option { return func(t *Transport) { t.sleep = f } }

func WithRules(r change.Rules) Option { return func(t *Transport) { t.rules = r } }

type Transport struct {
	log        *log2.Log
	clock      clock.Clock
	factory    udp.Factory
	localIPs   func() map[string]bool
	sleep      session.SleepFunc
	rules      change.Rules
	stat       stat.Link
	instanceID string
	announce   *notify.Bus[discovery.Announcement]

	subMu     sync.Mutex
	telemetry []func(TelemetryEvent)
	status    []func(Status)

	mu        sync.Mutex
	config    Config
	alive     *alive.Alive
	registry  *discovery.Registry
	health    *health.Monitor
	discovery *discovery.Service
	session   *session.Manager
	outbound  *outbound.Channel
	inbound   *inbound.Channel
}

func New(log *log2.Log, opts ...Option) *Transport {
	self := &Transport{
		log:        log,
		factory:    udp.System,
		localIPs:   udp.LocalIPs,
		rules:      change.DefaultRules(),
		instanceID: uuid.New().String(),
		announce:   notify.NewBus[discovery.Announcement](notify.DefaultQueue),
		config:     Default(),
	}
	for _, opt := range opts {
		opt(self)
	}
	if self.clock == nil {
		self.clock = clock.New()
	}
	return self
}

func (self *Transport) InstanceID() string { return self.instanceID }

// Stats exposes counters, valid across restarts.
func (self *Transport) Stats() *stat.Link { return &self.stat }

func (self *Transport) Config() Config {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.config
}

// OnTelemetry registers telemetry consumer. Frames arrive in receive order,
// loss notices in between.
func (self *Transport) OnTelemetry(f func(TelemetryEvent)) {
	if f == nil {
		return
	}
	self.subMu.Lock()
	self.telemetry = append(self.telemetry, f)
	self.subMu.Unlock()
}

// OnStatusChange is called after every session transition.
func (self *Transport) OnStatusChange(f func(Status)) {
	if f == nil {
		return
	}
	self.subMu.Lock()
	self.status = append(self.status, f)
	self.subMu.Unlock()
}

// OnAnnouncement receives JSON documents broadcast by peers on discovery port.
func (self *Transport) OnAnnouncement(f func(discovery.Announcement)) {
	self.announce.Subscribe(f)
}

func (self *Transport) Running() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.alive != nil
}

// Start binds sockets and runs all duties. On socket failure already opened
// sockets are released and SocketInitFailure is returned. No-op when running.
func (self *Transport) Start(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	config = config.WithDefaults()

	self.mu.Lock()
	defer self.mu.Unlock()
	if self.alive != nil {
		return nil
	}
	ctx := context.Background()

	registry := discovery.NewRegistry(self.clock)
	hm := health.NewMonitor(config.health(), self.clock)
	detector := change.New(self.rules)
	out := outbound.New(self.log, config.outbound(), detector, self.factory, self.clock)
	in := inbound.New(self.log, config.inbound(), self.factory, self.clock)
	sm := session.NewManager(self.log, config.session(), registry, hm, out, self.clock)
	disc := discovery.NewService(self.log, config.discovery(), registry, self.factory, self.clock)
	disc.SetLocalIPs(self.localIPs)
	if self.sleep != nil {
		sm.SetSleep(self.sleep)
	}
	for _, x := range []interface{ SetStat(*stat.Link) }{out, in, sm, disc} {
		x.SetStat(&self.stat)
	}
	in.Subscribe(self.dispatchTelemetry)
	sm.Subscribe(self.dispatchStatus)

	if err := in.Start(ctx, sm); err != nil {
		return errors.Annotate(err, "link start")
	}
	if err := out.Start(ctx, sm); err != nil {
		err = multierr.Append(err, in.Stop())
		return errors.Annotate(err, "link start")
	}
	// handler waits for mu, so sightings reach session after it started
	if err := disc.Start(ctx, (*handler)(self)); err != nil {
		err = multierr.Combine(err, out.Stop(), in.Stop())
		return errors.Annotate(err, "link start")
	}
	self.announce.Start()
	sm.Start()
	a := alive.NewAlive()
	go hm.Run(a)

	self.config = config
	self.alive = a
	self.registry, self.health = registry, hm
	self.discovery, self.session = disc, sm
	self.outbound, self.inbound = out, in
	self.log.Infof("link started %s instance=%s", config.String(), self.instanceID)
	return nil
}

// Stop is idempotent. Returns combined socket close errors.
func (self *Transport) Stop() error {
	self.mu.Lock()
	a := self.alive
	self.alive = nil
	disc, sm, out, in := self.discovery, self.session, self.outbound, self.inbound
	self.mu.Unlock()
	if a == nil {
		return nil
	}
	// discovery first so no new sightings race with session shutdown
	err := disc.Stop()
	sm.Stop()
	err = multierr.Combine(err, out.Stop(), in.Stop())
	a.Stop()
	a.Wait()
	self.announce.Stop()
	self.log.Infof("link stopped")
	return err
}

// Send offers state document for synchronization. It goes out when
// session is connected and document differs enough from last sent one.
func (self *Transport) Send(doc map[string]interface{}) {
	out := self.getOutbound()
	if out == nil {
		return
	}
	out.Publish(change.Snapshot(doc))
}

// SendCommand sends command to active peer immediately.
func (self *Transport) SendCommand(name string, args string) error {
	out := self.getOutbound()
	if out == nil {
		return errors.Annotate(ErrNoActivePeer, "link not running")
	}
	return out.SendCommand(name, args)
}

// Peers returns registered peers, newest first.
func (self *Transport) Peers() []discovery.Peer {
	self.mu.Lock()
	registry := self.registry
	self.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.List()
}

// Broadcast sends discovery request now.
func (self *Transport) Broadcast() error {
	self.mu.Lock()
	disc := self.discovery
	running := self.alive != nil
	self.mu.Unlock()
	if !running {
		return errors.NotValidf("link not running")
	}
	return disc.Broadcast()
}

func (self *Transport) Status() Status {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.statusLocked()
}

func (self *Transport) statusLocked() Status {
	s := Status{
		Running:         self.alive != nil,
		State:           session.StateIdle,
		PacketsSent:     self.stat.Sent.Value(),
		PacketsReceived: self.stat.Received.Value(),
		QualityScore:    1,
		Threshold:       health.ThresholdDefault,
		InstanceID:      self.instanceID,
	}
	if self.session == nil {
		return s
	}
	ss := self.session.Status()
	s.State, s.Reason, s.Peer = ss.State, ss.Reason, ss.Peer
	s.Peers = self.registry.List()
	hs := self.health.Snapshot()
	s.QualityScore, s.Threshold = hs.Quality, hs.Threshold
	s.LastSendAt = self.outbound.LastSendAt()
	s.LastDataAt = self.inbound.LastDataAt()
	s.Sequence = self.outbound.Sequence()
	return s
}

func (self *Transport) getOutbound() *outbound.Channel {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.alive == nil {
		return nil
	}
	return self.outbound
}

func (self *Transport) dispatchTelemetry(ev TelemetryEvent) {
	self.subMu.Lock()
	subs := self.telemetry
	self.subMu.Unlock()
	for _, f := range subs {
		f(ev)
	}
}

// dispatchStatus runs on session notification goroutine.
// Session fields come from event, not current state, so order is preserved.
func (self *Transport) dispatchStatus(ss session.Status) {
	self.subMu.Lock()
	subs := self.status
	self.subMu.Unlock()
	if len(subs) == 0 {
		return
	}
	self.mu.Lock()
	s := self.statusLocked()
	self.mu.Unlock()
	s.State, s.Reason, s.Peer = ss.State, ss.Reason, ss.Peer
	for _, f := range subs {
		f(s)
	}
}

// handler adapts Transport to discovery.Handler.
type handler Transport

func (h *handler) PeerSighted(p discovery.Peer, a discovery.Announcement) {
	self := (*Transport)(h)
	self.mu.Lock()
	sm := self.session
	self.mu.Unlock()
	if sm != nil {
		sm.PeerSighted(p, a)
	}
	if a.Doc != nil && !a.Request {
		self.announce.Publish(a)
	}
}

func (h *handler) PeersEvicted(ps []discovery.Peer) {
	self := (*Transport)(h)
	self.mu.Lock()
	sm := self.session
	self.mu.Unlock()
	if sm != nil {
		sm.PeersEvicted(ps)
	}
}
