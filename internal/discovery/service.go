package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jixiexiaoge/cplink/internal/stat"
	"github.com/jixiexiaoge/cplink/internal/udp"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultPort          = 7705
	DefaultBroadcastAddr = "255.255.255.255"
	DefaultInterval      = 5 * time.Second
	DefaultCheckInterval = 2 * time.Second
	DefaultDeviceTimeout = 10 * time.Second
	DefaultSocketTimeout = time.Second
	DefaultMaxPacket     = 4096
)

type Config struct {
	Port          int
	DataPort      int // default port of announced peers
	BroadcastAddr string
	Interval      time.Duration
	CheckInterval time.Duration
	DeviceTimeout time.Duration
	SocketTimeout time.Duration
	MaxPacket     int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DataPort == 0 {
		c.DataPort = DefaultDataPort
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = DefaultBroadcastAddr
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.DeviceTimeout == 0 {
		c.DeviceTimeout = DefaultDeviceTimeout
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = DefaultSocketTimeout
	}
	if c.MaxPacket == 0 {
		c.MaxPacket = DefaultMaxPacket
	}
}

// Handler receives discovery events on service goroutines.
type Handler interface {
	PeerSighted(p Peer, a Announcement)
	PeersEvicted(ps []Peer)
}

type Service struct {
	log      *log2.Log
	config   Config
	clock    clock.Clock
	registry *Registry
	factory  udp.Factory
	stat     *stat.Link
	localIPs func() map[string]bool

	mu      sync.Mutex
	alive   *alive.Alive
	conn    net.PacketConn
	handler Handler
	local   map[string]bool
	sendErr log2.Interval
}

func NewService(log *log2.Log, config Config, registry *Registry, factory udp.Factory, clk clock.Clock) *Service {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if factory == nil {
		factory = udp.System
	}
	return &Service{
		log:      log,
		config:   config,
		clock:    clk,
		registry: registry,
		factory:  factory,
		localIPs: udp.LocalIPs,
		sendErr:  log2.Interval{D: 10 * time.Second},
	}
}

// SetLocalIPs overrides own address detection used to skip own broadcasts.
func (self *Service) SetLocalIPs(f func() map[string]bool) { self.localIPs = f }

// SetStat enables counters.
func (self *Service) SetStat(s *stat.Link) { self.stat = s }

func (self *Service) Config() Config { return self.config }

func (self *Service) Running() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.alive != nil && self.alive.IsRunning()
}

// Start opens discovery socket and runs broadcast, listen and sweep loops.
// Calling Start on running service is no-op.
func (self *Service) Start(ctx context.Context, handler Handler) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.alive != nil && self.alive.IsRunning() {
		return nil
	}
	addr := net.JoinHostPort("", strconv.Itoa(self.config.Port))
	conn, err := udp.Open(ctx, self.factory, addr, udp.Options{ReuseAddr: true, Broadcast: true})
	if err != nil {
		return errors.Annotate(err, "discovery")
	}
	self.conn = conn
	self.handler = handler
	self.local = self.localIPs()
	self.alive = alive.NewAlive()
	a := self.alive
	a.Add(3)
	go self.broadcastLoop(a, conn)
	go self.listenLoop(a, conn)
	go self.sweepLoop(a)
	self.log.Debugf("discovery started port=%d interval=%v", self.config.Port, self.config.Interval)
	return nil
}

// Stop is idempotent. Returns socket close error.
func (self *Service) Stop() error {
	self.mu.Lock()
	a, conn := self.alive, self.conn
	self.alive, self.conn = nil, nil
	self.mu.Unlock()
	if a == nil {
		return nil
	}
	a.Stop()
	err := conn.Close()
	a.Wait()
	self.log.Debugf("discovery stopped")
	return errors.Annotate(err, "discovery close")
}

// Broadcast sends one discovery request.
func (self *Service) Broadcast() error {
	self.mu.Lock()
	conn := self.conn
	self.mu.Unlock()
	if conn == nil {
		return errors.NotValidf("discovery not running")
	}
	return self.broadcast(conn)
}

func (self *Service) broadcast(conn net.PacketConn) error {
	to := &net.UDPAddr{IP: net.ParseIP(self.config.BroadcastAddr), Port: self.config.Port}
	err := udp.WriteTo(conn, []byte(RequestLiteral), to, self.config.SocketTimeout)
	if self.stat != nil {
		if err == nil {
			self.stat.DiscoverySent.Add(1)
		}
	}
	return err
}

func (self *Service) broadcastLoop(a *alive.Alive, conn net.PacketConn) {
	defer a.Done()
	tick := self.clock.Ticker(self.config.Interval)
	defer tick.Stop()
	for {
		if err := self.broadcast(conn); err != nil && a.IsRunning() && self.sendErr.Allow(self.clock.Now()) {
			self.log.Errorf("discovery broadcast err=%v", err)
		}
		select {
		case <-tick.C:
		case <-a.StopChan():
			return
		}
	}
}

func (self *Service) listenLoop(a *alive.Alive, conn net.PacketConn) {
	defer a.Done()
	buf := make([]byte, self.config.MaxPacket)
	for a.IsRunning() {
		n, from, err := udp.ReadFrom(conn, buf, self.config.SocketTimeout)
		if err != nil {
			if !a.IsRunning() || udp.IsClosed(err) {
				return
			}
			if udp.IsTimeout(err) {
				continue
			}
			self.log.Errorf("discovery receive err=%v", err)
			select {
			case <-self.clock.After(self.config.SocketTimeout):
			case <-a.StopChan():
				return
			}
			continue
		}
		self.handle(buf[:n], from)
	}
}

func (self *Service) handle(b []byte, from net.Addr) {
	ip := udp.AddrIP(from)
	if ip == nil {
		return
	}
	if self.stat != nil {
		self.stat.DiscoveryRecv.Add(1)
	}
	ann := ParseAnnouncement(b, ip, self.config.DataPort)
	if ann.Request && self.local[ip.String()] {
		return // own broadcast
	}
	p, created := self.registry.Upsert(ann.Peer)
	ann.Peer = p
	if created {
		self.log.Infof("discovery new peer=%s from=%s", p.String(), ip)
	}
	self.mu.Lock()
	h := self.handler
	self.mu.Unlock()
	if h != nil {
		h.PeerSighted(p, ann)
	}
}

// Sweep evicts expired peers and reports them to handler.
func (self *Service) Sweep() []Peer {
	evicted := self.registry.Sweep(self.config.DeviceTimeout)
	if len(evicted) == 0 {
		return nil
	}
	for _, p := range evicted {
		self.log.Infof("discovery peer=%s timed out", p.String())
	}
	self.mu.Lock()
	h := self.handler
	self.mu.Unlock()
	if h != nil {
		h.PeersEvicted(evicted)
	}
	return evicted
}

func (self *Service) sweepLoop(a *alive.Alive) {
	defer a.Done()
	tick := self.clock.Ticker(self.config.CheckInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			self.Sweep()
		case <-a.StopChan():
			return
		}
	}
}
