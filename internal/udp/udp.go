// Package udp opens datagram sockets for the link and classifies their errors.
package udp

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/juju/errors"
)

type Options struct {
	ReuseAddr bool
	Broadcast bool
}

// Factory opens packet sockets. Tests substitute in-memory implementations.
type Factory interface {
	ListenPacket(ctx context.Context, address string, opt Options) (net.PacketConn, error)
}

type SystemFactory struct{}

var System Factory = SystemFactory{}

func (SystemFactory) ListenPacket(ctx context.Context, address string, opt Options) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: control(opt)}
	conn, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, &Error{Kind: SocketInitFailure, Op: "listen " + address, Err: err}
	}
	return conn, nil
}

// Open wraps factory errors into SocketInitFailure.
func Open(ctx context.Context, f Factory, address string, opt Options) (net.PacketConn, error) {
	if f == nil {
		f = System
	}
	conn, err := f.ListenPacket(ctx, address, opt)
	if err != nil {
		if KindOf(err) == SocketInitFailure {
			return nil, err
		}
		return nil, &Error{Kind: SocketInitFailure, Op: "listen " + address, Err: err}
	}
	return conn, nil
}

// WriteTo sends b with write deadline, failures are SendFailure.
func WriteTo(conn net.PacketConn, b []byte, addr net.Addr, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := conn.WriteTo(b, addr)
	if err != nil {
		return &Error{Kind: SendFailure, Op: "send " + addr.String(), Err: err}
	}
	if n != len(b) {
		return &Error{Kind: SendFailure, Op: "send " + addr.String(), Err: errors.Errorf("short write %d/%d", n, len(b))}
	}
	return nil
}

// ReadFrom reads with deadline. Timeout is returned as benign ReceiveTimeout.
func ReadFrom(conn net.PacketConn, b []byte, timeout time.Duration) (int, net.Addr, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	n, addr, err := conn.ReadFrom(b)
	if err != nil {
		if IsTimeout(err) {
			return n, addr, &Error{Kind: ReceiveTimeout, Op: "receive", Err: err}
		}
		return n, addr, errors.Annotate(err, "receive")
	}
	return n, addr, nil
}

func IsTimeout(err error) bool {
	if e, ok := errors.Cause(err).(net.Error); ok && e.Timeout() {
		return true
	}
	return KindOf(err) == ReceiveTimeout
}

func IsClosed(err error) bool {
	return stderrors.Is(errors.Cause(err), net.ErrClosed)
}

// AddrIP extracts IP from UDP or generic address.
func AddrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// LocalIPs lists addresses of local interfaces, used to recognise own broadcasts.
func LocalIPs() map[string]bool {
	r := map[string]bool{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return r
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			r[ipn.IP.String()] = true
		}
	}
	return r
}
