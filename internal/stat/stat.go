// Package stat keeps link counters.
// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read Sent=1 SentBytes=0 because SentBytes has not updated yet.
package stat

import (
	"expvar"
	"fmt"
	"sort"
	"strings"
)

type Link struct {
	Sent       expvar.Int // datagrams written to peer
	SentBytes  expvar.Int
	SendFailed expvar.Int
	Dropped    expvar.Int // oversized or unencodable outbound documents
	Heartbeats expvar.Int
	States     expvar.Int
	Commands   expvar.Int

	Received      expvar.Int // valid frames
	ReceivedBytes expvar.Int
	DecodeFailed  expvar.Int
	Lost          expvar.Int // staleness episodes

	DiscoverySent expvar.Int
	DiscoveryRecv expvar.Int

	Recoveries     expvar.Int
	RecoveryFailed expvar.Int
}

func (self *Link) fields() map[string]*expvar.Int {
	return map[string]*expvar.Int{
		"sent":            &self.Sent,
		"sent_bytes":      &self.SentBytes,
		"send_failed":     &self.SendFailed,
		"dropped":         &self.Dropped,
		"heartbeats":      &self.Heartbeats,
		"states":          &self.States,
		"commands":        &self.Commands,
		"received":        &self.Received,
		"received_bytes":  &self.ReceivedBytes,
		"decode_failed":   &self.DecodeFailed,
		"lost":            &self.Lost,
		"discovery_sent":  &self.DiscoverySent,
		"discovery_recv":  &self.DiscoveryRecv,
		"recoveries":      &self.Recoveries,
		"recovery_failed": &self.RecoveryFailed,
	}
}

// Values returns name->value snapshot.
func (self *Link) Values() map[string]int64 {
	fs := self.fields()
	r := make(map[string]int64, len(fs))
	for name, v := range fs {
		r[name] = v.Value()
	}
	return r
}

func (self *Link) Reset() {
	for _, v := range self.fields() {
		v.Set(0)
	}
}

// String is JSON object with sorted keys, satisfies expvar.Var.
func (self *Link) String() string {
	vs := self.Values()
	names := make([]string, 0, len(vs))
	for name := range vs {
		names = append(names, name)
	}
	sort.Strings(names)
	b := strings.Builder{}
	b.WriteByte('{')
	for i, name := range names {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf("%q:%d", name, vs[name]))
	}
	b.WriteByte('}')
	return b.String()
}

var _ expvar.Var = (*Link)(nil)
