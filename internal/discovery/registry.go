package discovery

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Registry is the single owner of discovered peers.
type Registry struct {
	mu    sync.Mutex
	clock clock.Clock
	peers map[string]*Peer
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock: clk,
		peers: make(map[string]*Peer),
	}
}

// Upsert records sighting. Returns stored copy and true for new peer.
func (self *Registry) Upsert(p Peer) (Peer, bool) {
	now := self.clock.Now()
	key := p.Key()
	self.mu.Lock()
	defer self.mu.Unlock()
	if existing, ok := self.peers[key]; ok {
		existing.LastSeen = now
		if p.Version != "" {
			existing.Version = p.Version
		}
		return *existing, false
	}
	p.LastSeen = now
	p.IP = append(net.IP(nil), p.IP...)
	self.peers[key] = &p
	return p, true
}

// Touch refreshes every known peer with given IP. Unknown IP is ignored.
func (self *Registry) Touch(ip net.IP) bool {
	now := self.clock.Now()
	found := false
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, p := range self.peers {
		if p.IP.Equal(ip) {
			p.LastSeen = now
			found = true
		}
	}
	return found
}

// Sweep evicts peers not seen for longer than timeout.
func (self *Registry) Sweep(timeout time.Duration) []Peer {
	now := self.clock.Now()
	self.mu.Lock()
	defer self.mu.Unlock()
	var evicted []Peer
	for key, p := range self.peers {
		if p.Expired(now, timeout) {
			evicted = append(evicted, *p)
			delete(self.peers, key)
		}
	}
	sortPeers(evicted)
	return evicted
}

// Best returns most recently seen not expired peer.
func (self *Registry) Best(timeout time.Duration) (Peer, bool) {
	now := self.clock.Now()
	self.mu.Lock()
	defer self.mu.Unlock()
	var best *Peer
	for _, p := range self.peers {
		if p.Expired(now, timeout) {
			continue
		}
		if best == nil || p.LastSeen.After(best.LastSeen) || (p.LastSeen.Equal(best.LastSeen) && p.Key() < best.Key()) {
			best = p
		}
	}
	if best == nil {
		return Peer{}, false
	}
	return *best, true
}

func (self *Registry) Get(key string) (Peer, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if p, ok := self.peers[key]; ok {
		return *p, true
	}
	return Peer{}, false
}

func (self *Registry) Has(key string) bool {
	_, ok := self.Get(key)
	return ok
}

// List returns peers ordered by last sighting, most recent first.
func (self *Registry) List() []Peer {
	self.mu.Lock()
	r := make([]Peer, 0, len(self.peers))
	for _, p := range self.peers {
		r = append(r, *p)
	}
	self.mu.Unlock()
	sortPeers(r)
	return r
}

func (self *Registry) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.peers)
}

func (self *Registry) Clear() {
	self.mu.Lock()
	self.peers = make(map[string]*Peer)
	self.mu.Unlock()
}

func sortPeers(ps []Peer) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].LastSeen.Equal(ps[j].LastSeen) {
			return ps[i].LastSeen.After(ps[j].LastSeen)
		}
		return ps[i].Key() < ps[j].Key()
	})
}
