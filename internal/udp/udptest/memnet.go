// Package udptest provides in-memory datagram network for link tests.
package udptest

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jixiexiaoge/cplink/internal/udp"
	"github.com/juju/errors"
)

type Datagram struct {
	From *net.UDPAddr
	To   *net.UDPAddr
	Data []byte
}

// Net is in-memory IPv4 network. Sockets listening on ":port" or "0.0.0.0:port"
// get host IP. Writes to 255.255.255.255 are delivered to every socket on that port
// including sender. Every write is also recorded in Sent.
type Net struct {
	mu         sync.Mutex
	host       net.IP
	conns      map[int][]*Conn
	sent       []Datagram
	nextPort   int
	failErr    error
	failListen map[int]error
}

var _ udp.Factory = (*Net)(nil)

func New(host string) *Net {
	return &Net{
		host:       net.ParseIP(host).To4(),
		conns:      make(map[int][]*Conn),
		nextPort:   40000,
		failListen: make(map[int]error),
	}
}

func (self *Net) ListenPacket(ctx context.Context, address string, opt udp.Options) (net.PacketConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.failListen[addr.Port]; err != nil {
		return nil, err
	}
	if addr.Port == 0 {
		self.nextPort++
		addr.Port = self.nextPort
	}
	if len(self.conns[addr.Port]) > 0 && !opt.ReuseAddr {
		return nil, errors.Errorf("address %s already in use", address)
	}
	c := &Conn{
		net:   self,
		local: &net.UDPAddr{IP: self.host, Port: addr.Port},
		in:    make(chan Datagram, 256),
		done:  make(chan struct{}),
	}
	self.conns[addr.Port] = append(self.conns[addr.Port], c)
	return c, nil
}

// FailListen makes next listen on port fail with err.
func (self *Net) FailListen(port int, err error) {
	self.mu.Lock()
	self.failListen[port] = err
	self.mu.Unlock()
}

// FailWrites makes every write fail with err, nil restores.
func (self *Net) FailWrites(err error) {
	self.mu.Lock()
	self.failErr = err
	self.mu.Unlock()
}

// Inject delivers datagram from remote address to local sockets on port.
func (self *Net) Inject(from string, port int, data []byte) {
	src, err := net.ResolveUDPAddr("udp4", from)
	if err != nil {
		panic(err)
	}
	self.deliver(Datagram{From: src, To: &net.UDPAddr{IP: self.host, Port: port}, Data: data})
}

// Sent returns copy of recorded outgoing datagrams.
func (self *Net) Sent() []Datagram {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Datagram(nil), self.sent...)
}

// SentTo filters recorded datagrams by destination.
func (self *Net) SentTo(addr string) []Datagram {
	r := []Datagram{}
	for _, d := range self.Sent() {
		if d.To.String() == addr {
			r = append(r, d)
		}
	}
	return r
}

// Open returns number of not closed sockets.
func (self *Net) Open() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.count()
}

func (self *Net) count() int {
	n := 0
	for _, cs := range self.conns {
		n += len(cs)
	}
	return n
}

func (self *Net) write(from *net.UDPAddr, b []byte, addr net.Addr) (int, error) {
	to, ok := addr.(*net.UDPAddr)
	if !ok {
		var err error
		if to, err = net.ResolveUDPAddr("udp4", addr.String()); err != nil {
			return 0, errors.Trace(err)
		}
	}
	self.mu.Lock()
	failErr := self.failErr
	if failErr == nil {
		self.sent = append(self.sent, Datagram{From: from, To: to, Data: append([]byte(nil), b...)})
	}
	self.mu.Unlock()
	if failErr != nil {
		return 0, &net.OpError{Op: "write", Net: "udp", Addr: to, Err: failErr}
	}
	self.deliver(Datagram{From: from, To: to, Data: append([]byte(nil), b...)})
	return len(b), nil
}

func (self *Net) deliver(d Datagram) {
	self.mu.Lock()
	targets := []*Conn{}
	for _, c := range self.conns[d.To.Port] {
		if d.To.IP.Equal(net.IPv4bcast) || d.To.IP.Equal(c.local.IP) {
			targets = append(targets, c)
		}
	}
	self.mu.Unlock()
	for _, c := range targets {
		select {
		case c.in <- d:
		default: // queue full, datagram lost like in real network
		}
	}
}

func (self *Net) remove(c *Conn) {
	self.mu.Lock()
	defer self.mu.Unlock()
	cs := self.conns[c.local.Port]
	for i, x := range cs {
		if x == c {
			self.conns[c.local.Port] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(self.conns[c.local.Port]) == 0 {
		delete(self.conns, c.local.Port)
	}
}

type Conn struct {
	net       *Net
	local     *net.UDPAddr
	in        chan Datagram
	mu        sync.Mutex
	deadline  time.Time
	done      chan struct{}
	closeOnce sync.Once
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (self *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	self.mu.Lock()
	deadline := self.deadline
	self.mu.Unlock()
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case d := <-self.in:
		n := copy(b, d.Data)
		return n, d.From, nil
	case <-timeout:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	case <-self.done:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: net.ErrClosed}
	}
}

func (self *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-self.done:
		return 0, &net.OpError{Op: "write", Net: "udp", Err: net.ErrClosed}
	default:
	}
	return self.net.write(self.local, b, addr)
}

func (self *Conn) Close() error {
	err := error(&net.OpError{Op: "close", Net: "udp", Err: net.ErrClosed})
	self.closeOnce.Do(func() {
		close(self.done)
		self.net.remove(self)
		err = nil
	})
	return err
}

func (self *Conn) LocalAddr() net.Addr { return self.local }

func (self *Conn) SetDeadline(t time.Time) error {
	self.mu.Lock()
	self.deadline = t
	self.mu.Unlock()
	return nil
}
func (self *Conn) SetReadDeadline(t time.Time) error  { return self.SetDeadline(t) }
func (self *Conn) SetWriteDeadline(t time.Time) error { return nil }
