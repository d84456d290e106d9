// Package metrics exports link counters and health as prometheus metrics.
package metrics

import (
	"net/http"
	"sort"

	"github.com/jixiexiaoge/cplink/internal/session"
	"github.com/jixiexiaoge/cplink/internal/stat"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "cplink"

// Source is implemented by *link.Transport.
type Source interface {
	Status() link.Status
	Stats() *stat.Link
}

var states = []session.State{
	session.StateIdle,
	session.StateDiscovering,
	session.StateConnected,
	session.StateRecovering,
	session.StateDisconnected,
}

// Collector reads Source on every scrape, nothing is cached.
type Collector struct {
	src      Source
	counters map[string]*prometheus.Desc
	keys     []string
	running  *prometheus.Desc
	state    *prometheus.Desc
	peers    *prometheus.Desc
	quality  *prometheus.Desc
	thresh   *prometheus.Desc
	sequence *prometheus.Desc
	lastData *prometheus.Desc
	lastSend *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string, src Source) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	self := &Collector{
		src:      src,
		counters: make(map[string]*prometheus.Desc),
		running:  desc("running", "1 if transport is started"),
		state:    desc("session_state", "1 for current session state", "state"),
		peers:    desc("peers", "Number of registered peers"),
		quality:  desc("quality_score", "Share of successful sends in quality window"),
		thresh:   desc("failure_threshold", "Consecutive send failures that start recovery"),
		sequence: desc("sequence", "Last outbound sequence number"),
		lastData: desc("last_data_timestamp_seconds", "Unix time of last telemetry frame, 0 if none"),
		lastSend: desc("last_send_timestamp_seconds", "Unix time of last sent datagram, 0 if none"),
	}
	for key := range src.Stats().Values() {
		self.keys = append(self.keys, key)
		self.counters[key] = desc(key+"_total", "Link counter "+key)
	}
	sort.Strings(self.keys)
	return self
}

func (self *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, key := range self.keys {
		ch <- self.counters[key]
	}
	ch <- self.running
	ch <- self.state
	ch <- self.peers
	ch <- self.quality
	ch <- self.thresh
	ch <- self.sequence
	ch <- self.lastData
	ch <- self.lastSend
}

func (self *Collector) Collect(ch chan<- prometheus.Metric) {
	values := self.src.Stats().Values()
	for _, key := range self.keys {
		ch <- prometheus.MustNewConstMetric(self.counters[key], prometheus.CounterValue, float64(values[key]))
	}
	s := self.src.Status()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(self.running, boolFloat(s.Running))
	for _, st := range states {
		gauge(self.state, boolFloat(s.State == st), st.String())
	}
	gauge(self.peers, float64(len(s.Peers)))
	gauge(self.quality, s.QualityScore)
	gauge(self.thresh, float64(s.Threshold))
	gauge(self.sequence, float64(s.Sequence))
	gauge(self.lastData, unixFloat(s.LastDataAt.IsZero(), s.LastDataAt.UnixNano()))
	gauge(self.lastSend, unixFloat(s.LastSendAt.IsZero(), s.LastSendAt.UnixNano()))
}

// Handler serves metrics of src on a private registry.
func Handler(src Source) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(DefaultNamespace, src))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func unixFloat(zero bool, ns int64) float64 {
	if zero {
		return 0
	}
	return float64(ns) / 1e9
}
