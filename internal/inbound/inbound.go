// Package inbound receives framed telemetry from the peer and watches for silence.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jixiexiaoge/cplink/frame"
	"github.com/jixiexiaoge/cplink/helpers/atomic_clock"
	"github.com/jixiexiaoge/cplink/internal/notify"
	"github.com/jixiexiaoge/cplink/internal/stat"
	"github.com/jixiexiaoge/cplink/internal/udp"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultPort             = 7701
	DefaultSocketTimeout    = time.Second
	DefaultStaleTimeout     = 15 * time.Second
	DefaultWatchdogInterval = time.Second
)

type Config struct {
	Port             int
	SocketTimeout    time.Duration
	StaleTimeout     time.Duration
	WatchdogInterval time.Duration
	Limits           frame.Limits
	Queue            int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = DefaultSocketTimeout
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.Limits.MaxPacket == 0 {
		c.Limits = frame.DefaultLimits()
	}
}

// TelemetryEvent carries either decoded frame or data loss notice.
type TelemetryEvent struct {
	Frame *frame.Frame
	From  net.Addr
	Lost  bool
	Stale time.Duration // silence duration when Lost
}

func (ev TelemetryEvent) String() string {
	if ev.Lost {
		return fmt.Sprintf("lost(stale=%v)", ev.Stale)
	}
	return fmt.Sprintf("frame%s from=%v", ev.Frame.String(), ev.From)
}

func (ev TelemetryEvent) MarshalJSON() ([]byte, error) {
	if ev.Lost || ev.Frame == nil {
		return json.Marshal(struct {
			Type    string `json:"type"`
			StaleMs int64  `json:"stale_ms"`
		}{"lost", ev.Stale.Milliseconds()})
	}
	from := ""
	if ev.From != nil {
		from = ev.From.String()
	}
	return json.Marshal(struct {
		Type       string          `json:"type"`
		Sequence   uint64          `json:"sequence"`
		Timestamp  float64         `json:"timestamp"`
		ReceivedAt time.Time       `json:"received_at"`
		From       string          `json:"from,omitempty"`
		Data       json.RawMessage `json:"data,omitempty"`
	}{"telemetry", ev.Frame.Sequence, ev.Frame.Timestamp, ev.Frame.ReceivedAt, from, ev.Frame.Data})
}

// ActivitySink learns that peer is alive from any valid datagram.
type ActivitySink interface {
	PeerActivity(ip net.IP)
}

type Channel struct {
	log      *log2.Log
	config   Config
	clock    clock.Clock
	factory  udp.Factory
	stat     *stat.Link
	bus      *notify.Bus[TelemetryEvent]
	lastData atomic_clock.Clock
	badLog   log2.Every

	mu    sync.Mutex
	conn  net.PacketConn
	alive *alive.Alive
	sink  ActivitySink
}

func New(log *log2.Log, config Config, factory udp.Factory, clk clock.Clock) *Channel {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if factory == nil {
		factory = udp.System
	}
	return &Channel{
		log:     log,
		config:  config,
		clock:   clk,
		factory: factory,
		bus:     notify.NewBus[TelemetryEvent](config.Queue),
		badLog:  log2.Every{First: 10, Period: 50},
	}
}

func (self *Channel) SetStat(s *stat.Link) { self.stat = s }

func (self *Channel) Config() Config { return self.config }

// Subscribe registers telemetry consumer. Events are delivered in arrival order.
func (self *Channel) Subscribe(f func(TelemetryEvent)) { self.bus.Subscribe(f) }

// LastDataAt is zero when nothing was received since start or last Lost event.
func (self *Channel) LastDataAt() time.Time { return self.lastData.Time() }

func (self *Channel) LocalAddr() net.Addr {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.conn == nil {
		return nil
	}
	return self.conn.LocalAddr()
}

func (self *Channel) Running() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.alive != nil
}

// Start binds telemetry port and runs receive and watchdog loops.
// sink may be nil. No-op when running.
func (self *Channel) Start(ctx context.Context, sink ActivitySink) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.alive != nil && self.alive.IsRunning() {
		return nil
	}
	addr := ":" + strconv.Itoa(self.config.Port)
	conn, err := udp.Open(ctx, self.factory, addr, udp.Options{ReuseAddr: true})
	if err != nil {
		return errors.Annotate(err, "inbound")
	}
	self.conn = conn
	self.sink = sink
	self.lastData.Reset()
	self.bus.Start()
	a := alive.NewAlive()
	self.alive = a
	a.Add(2)
	go self.receiveLoop(a, conn)
	go self.watchdogLoop(a)
	self.log.Debugf("inbound started local=%s", conn.LocalAddr())
	return nil
}

// Stop is idempotent. Queued events are delivered before it returns,
// unless called from a subscriber.
func (self *Channel) Stop() error {
	self.mu.Lock()
	a, conn := self.alive, self.conn
	self.alive, self.conn = nil, nil
	self.mu.Unlock()
	if a == nil {
		return nil
	}
	a.Stop()
	err := conn.Close()
	// releases receive loop blocked on full queue
	self.bus.Stop()
	a.Wait()
	self.log.Debugf("inbound stopped")
	return errors.Annotate(err, "inbound close")
}

// Handle decodes one datagram and delivers it. Returns decode error.
func (self *Channel) Handle(b []byte, from net.Addr) error {
	if self.stat != nil {
		self.stat.Received.Add(1)
		self.stat.ReceivedBytes.Add(int64(len(b)))
	}
	f, err := frame.Decode(b, self.config.Limits)
	if err != nil {
		if self.stat != nil {
			self.stat.DecodeFailed.Add(1)
		}
		if ok, n := self.badLog.Allow(); ok {
			self.log.Errorf("inbound decode from=%v size=%d total=%d err=%v", from, len(b), n, err)
		}
		return err
	}
	now := self.clock.Now()
	f.ReceivedAt = now
	self.lastData.SetTime(now)
	self.mu.Lock()
	sink := self.sink
	self.mu.Unlock()
	if sink != nil {
		if ip := udp.AddrIP(from); ip != nil {
			sink.PeerActivity(ip)
		}
	}
	self.bus.Publish(TelemetryEvent{Frame: f, From: from})
	return nil
}

// Check runs one watchdog step. Returns true if Lost event was emitted.
func (self *Channel) Check() bool {
	last := self.lastData.UnixNano()
	if last == 0 {
		return false
	}
	stale := time.Duration(self.clock.Now().UnixNano() - last)
	if stale <= self.config.StaleTimeout {
		return false
	}
	// concurrent receive wins, episode continues
	if !self.lastData.CompareAndReset(last) {
		return false
	}
	if self.stat != nil {
		self.stat.Lost.Add(1)
	}
	self.log.Infof("inbound data lost stale=%v", stale)
	self.bus.Publish(TelemetryEvent{Lost: true, Stale: stale})
	return true
}

func (self *Channel) receiveLoop(a *alive.Alive, conn net.PacketConn) {
	defer a.Done()
	buf := make([]byte, self.config.Limits.MaxPacket)
	for a.IsRunning() {
		n, from, err := udp.ReadFrom(conn, buf, self.config.SocketTimeout)
		if err != nil {
			if !a.IsRunning() || udp.IsClosed(err) {
				return
			}
			if udp.IsTimeout(err) {
				continue
			}
			self.log.Errorf("inbound receive err=%v", err)
			select {
			case <-self.clock.After(self.config.SocketTimeout):
			case <-a.StopChan():
				return
			}
			continue
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		_ = self.Handle(b, from)
	}
}

func (self *Channel) watchdogLoop(a *alive.Alive) {
	defer a.Done()
	tick := self.clock.Ticker(self.config.WatchdogInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			self.Check()
		case <-a.StopChan():
			return
		}
	}
}
