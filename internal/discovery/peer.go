package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const DefaultDataPort = 7706

const (
	VersionUnknown  = "unknown"
	VersionDetected = "detected"
	VersionFallback = "fallback"
)

// Peer is remote computer endpoint for outbound datagrams.
type Peer struct {
	IP       net.IP    `json:"ip"`
	Port     int       `json:"port"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"last_seen"`
}

func (p Peer) Key() string { return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port)) }

func (p Peer) Addr() *net.UDPAddr { return &net.UDPAddr{IP: p.IP, Port: p.Port} }

func (p Peer) String() string {
	return fmt.Sprintf("%s(v=%s)", p.Key(), p.Version)
}

// Expired reports whether peer was not seen for longer than timeout.
func (p Peer) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) > timeout
}
