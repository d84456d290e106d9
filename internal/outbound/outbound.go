// Package outbound emits JSON datagrams to the active peer:
// periodic heartbeats, throttled state sync and one-shot commands.
// All of them share one sequence counter.
package outbound

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jixiexiaoge/cplink/helpers/atomic_clock"
	"github.com/jixiexiaoge/cplink/helpers/msync"
	"github.com/jixiexiaoge/cplink/internal/change"
	"github.com/jixiexiaoge/cplink/internal/discovery"
	"github.com/jixiexiaoge/cplink/internal/session"
	"github.com/jixiexiaoge/cplink/internal/stat"
	"github.com/jixiexiaoge/cplink/internal/udp"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultStateSyncTick     = 200 * time.Millisecond
	DefaultSocketTimeout     = time.Second
	DefaultMaxPacketSize     = 1400
	DefaultTimezone          = "Asia/Shanghai"
	DefaultSource            = "cplink"
)

// Envelope field names.
const (
	FieldSequence     = "sequence"
	FieldEpochSeconds = "epochSeconds"
	FieldTimezone     = "timezone"
	FieldHeartbeat    = "heartbeat"
	FieldSource       = "source"
	FieldCommand      = "command"
	FieldCommandArgs  = "commandArgs"
)

var (
	ErrOversize    = errors.New("datagram exceeds max packet size")
	ErrUnencodable = errors.New("document not encodable as JSON")
)

// dropLocal reports errors caused by the document itself, not by the link.
func dropLocal(err error) bool {
	c := errors.Cause(err)
	return c == ErrOversize || c == ErrUnencodable
}

type Config struct {
	HeartbeatInterval time.Duration
	StateSyncTick     time.Duration
	SocketTimeout     time.Duration
	MaxPacketSize     int
	Timezone          string
	Source            string
	LocalAddr         string // bind address of outbound socket, default any port
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StateSyncTick == 0 {
		c.StateSyncTick = DefaultStateSyncTick
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = DefaultSocketTimeout
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.LocalAddr == "" {
		c.LocalAddr = ":0"
	}
}

// PeerSource gates sends and receives their outcome.
type PeerSource interface {
	ActivePeer() (discovery.Peer, bool)
	ReportSend(err error)
}

type Channel struct {
	log      *log2.Log
	config   Config
	clock    clock.Clock
	factory  udp.Factory
	detector *change.Detector
	stat     *stat.Link
	seq      uint64 // atomic
	sendMu   sync.Mutex // sequence order equals wire order
	lastSend atomic_clock.Clock
	wake     msync.Signal
	noPeer   log2.Interval
	sendErr  log2.Interval
	dropped  log2.Every

	mu     sync.Mutex
	conn   net.PacketConn
	alive  *alive.Alive
	source PeerSource

	stateMu     sync.Mutex
	latest      change.Snapshot
	lastStateAt time.Time
}

func New(log *log2.Log, config Config, detector *change.Detector, factory udp.Factory, clk clock.Clock) *Channel {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if factory == nil {
		factory = udp.System
	}
	if detector == nil {
		detector = change.New(change.DefaultRules())
	}
	return &Channel{
		log:      log,
		config:   config,
		clock:    clk,
		factory:  factory,
		detector: detector,
		wake:     msync.NewSignal(),
		noPeer:   log2.Interval{D: 10 * time.Second},
		sendErr:  log2.Interval{D: 10 * time.Second},
		dropped:  log2.Every{First: 10, Period: 50},
	}
}

func (self *Channel) SetStat(s *stat.Link) { self.stat = s }

func (self *Channel) Config() Config { return self.config }

// Sequence returns last used sequence number.
func (self *Channel) Sequence() uint64 { return atomic.LoadUint64(&self.seq) }

func (self *Channel) LastSendAt() time.Time { return self.lastSend.Time() }

func (self *Channel) LocalAddr() net.Addr {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.conn == nil {
		return nil
	}
	return self.conn.LocalAddr()
}

// Start opens socket and runs heartbeat and state sync loops.
// No-op when running.
func (self *Channel) Start(ctx context.Context, source PeerSource) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.alive != nil && self.alive.IsRunning() {
		return nil
	}
	conn, err := udp.Open(ctx, self.factory, self.config.LocalAddr, udp.Options{Broadcast: true})
	if err != nil {
		return errors.Annotate(err, "outbound")
	}
	self.conn = conn
	self.source = source
	self.stateMu.Lock()
	self.lastStateAt = time.Time{}
	self.stateMu.Unlock()
	self.detector.Reset()
	self.wake.Clear()
	a := alive.NewAlive()
	self.alive = a
	a.Add(2)
	go self.heartbeatLoop(a)
	go self.stateLoop(a)
	self.log.Debugf("outbound started local=%s", conn.LocalAddr())
	return nil
}

// Stop is idempotent.
func (self *Channel) Stop() error {
	self.mu.Lock()
	a, conn := self.alive, self.conn
	self.alive, self.conn = nil, nil
	self.mu.Unlock()
	if a == nil {
		return nil
	}
	a.Stop()
	a.Wait()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	self.log.Debugf("outbound stopped")
	return errors.Annotate(err, "outbound close")
}

// Reopen closes and recreates socket.
func (self *Channel) Reopen() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.alive == nil {
		return errors.NotValidf("outbound not running")
	}
	if self.conn != nil {
		if err := self.conn.Close(); err != nil && !udp.IsClosed(err) {
			self.log.Debugf("outbound reopen close err=%v", err)
		}
		self.conn = nil
	}
	conn, err := udp.Open(context.Background(), self.factory, self.config.LocalAddr, udp.Options{Broadcast: true})
	if err != nil {
		return errors.Annotate(err, "outbound reopen")
	}
	self.conn = conn
	self.log.Infof("outbound socket reopened local=%s", conn.LocalAddr())
	return nil
}

// Ping sends heartbeat to p regardless of session state.
// Result is not reported to PeerSource.
func (self *Channel) Ping(p discovery.Peer) error {
	return self.send(p, self.heartbeat(), false)
}

// Publish stores latest state document. It is sent by state sync duty
// if detector finds it different enough. Never blocks.
func (self *Channel) Publish(doc change.Snapshot) {
	self.stateMu.Lock()
	self.latest = doc
	self.stateMu.Unlock()
	self.wake.Set()
}

// SendCommand sends one command envelope immediately, bypassing throttle.
func (self *Channel) SendCommand(name string, args string) error {
	source := self.getSource()
	if source == nil {
		return errors.Annotate(session.ErrNoActivePeer, "outbound not running")
	}
	p, ok := source.ActivePeer()
	if !ok {
		return session.ErrNoActivePeer
	}
	fields := map[string]interface{}{
		FieldCommand:     name,
		FieldCommandArgs: args,
	}
	if err := self.send(p, fields, true); err != nil {
		return errors.Annotatef(err, "command=%s", name)
	}
	if self.stat != nil {
		self.stat.Commands.Add(1)
	}
	self.log.Debugf("outbound command=%s peer=%s", name, p.Key())
	return nil
}

// SyncState runs one state sync step, returns true if datagram was sent.
func (self *Channel) SyncState() bool {
	source := self.getSource()
	if source == nil {
		return false
	}
	p, ok := source.ActivePeer()
	if !ok {
		return false
	}
	now := self.clock.Now()
	self.stateMu.Lock()
	snap := self.latest
	elapsed := self.lastStateAt.IsZero() || now.Sub(self.lastStateAt) >= self.config.StateSyncTick
	if snap == nil || !self.detector.ShouldSend(snap, elapsed, false) {
		self.stateMu.Unlock()
		return false
	}
	self.lastStateAt = now
	self.stateMu.Unlock()

	if err := self.send(p, snap, true); err != nil {
		if !dropLocal(err) && self.sendErr.Allow(now) {
			self.log.Errorf("outbound state peer=%s err=%v", p.Key(), err)
		}
		return false
	}
	if self.stat != nil {
		self.stat.States.Add(1)
	}
	return true
}

// Heartbeat runs one heartbeat step, returns true if datagram was sent.
func (self *Channel) Heartbeat() bool {
	source := self.getSource()
	if source == nil {
		return false
	}
	p, ok := source.ActivePeer()
	if !ok {
		if self.noPeer.Allow(self.clock.Now()) {
			self.log.Debugf("outbound heartbeat skipped, no active peer")
		}
		return false
	}
	if err := self.send(p, self.heartbeat(), true); err != nil {
		self.log.Debugf("outbound heartbeat peer=%s err=%v", p.Key(), err)
		return false
	}
	if self.stat != nil {
		self.stat.Heartbeats.Add(1)
	}
	return true
}

func (self *Channel) heartbeatLoop(a *alive.Alive) {
	defer a.Done()
	tick := self.clock.Ticker(self.config.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			self.Heartbeat()
		case <-a.StopChan():
			return
		}
	}
}

func (self *Channel) stateLoop(a *alive.Alive) {
	defer a.Done()
	tick := self.clock.Ticker(self.config.StateSyncTick)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-self.wake:
		case <-a.StopChan():
			return
		}
		self.SyncState()
	}
}

func (self *Channel) heartbeat() map[string]interface{} {
	return map[string]interface{}{
		FieldHeartbeat: true,
		FieldSource:    self.config.Source,
	}
}

// envelope flattens fields and sets transport fields on top.
func (self *Channel) envelope(fields map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		env[k] = v
	}
	env[FieldSequence] = atomic.AddUint64(&self.seq, 1)
	env[FieldEpochSeconds] = self.clock.Now().Unix()
	env[FieldTimezone] = self.config.Timezone
	return env
}

func (self *Channel) send(p discovery.Peer, fields map[string]interface{}, report bool) error {
	self.sendMu.Lock()
	err := self.write(p, fields)
	self.sendMu.Unlock()
	if report && !dropLocal(err) {
		if source := self.getSource(); source != nil {
			source.ReportSend(err)
		}
	}
	return err
}

// write requires sendMu.
func (self *Channel) write(p discovery.Peer, fields map[string]interface{}) error {
	b, err := json.Marshal(self.envelope(fields))
	if err != nil {
		if self.stat != nil {
			self.stat.Dropped.Add(1)
		}
		if ok, n := self.dropped.Allow(); ok {
			self.log.Errorf("outbound dropped err=%v total=%d", err, n)
		}
		return errors.Annotatef(ErrUnencodable, "%v", err)
	}
	if len(b) > self.config.MaxPacketSize {
		if self.stat != nil {
			self.stat.Dropped.Add(1)
		}
		if ok, n := self.dropped.Allow(); ok {
			self.log.Errorf("outbound dropped size=%d max=%d total=%d", len(b), self.config.MaxPacketSize, n)
		}
		return errors.Annotatef(ErrOversize, "size=%d", len(b))
	}
	self.mu.Lock()
	conn := self.conn
	self.mu.Unlock()
	if conn == nil {
		return &udp.Error{Kind: udp.SendFailure, Op: "send " + p.Key(), Err: errors.New("socket closed")}
	}
	if err = udp.WriteTo(conn, b, p.Addr(), self.config.SocketTimeout); err != nil {
		return err
	}
	self.lastSend.SetTime(self.clock.Now())
	if self.stat != nil {
		self.stat.Sent.Add(1)
		self.stat.SentBytes.Add(int64(len(b)))
	}
	return nil
}

func (self *Channel) getSource() PeerSource {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.source
}
