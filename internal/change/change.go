// Package change decides whether outbound state differs enough from last
// sent state to be worth a datagram.
package change

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"sync"
)

// Snapshot is flattened outbound state document.
type Snapshot = map[string]interface{}

type Rules struct {
	// Latitude/longitude key pairs, change beyond PositionEpsilon degrees counts.
	Positions       [][2]string
	PositionEpsilon float64
	// Heading in degrees, wrap-around aware.
	Heading      string
	HeadingDelta float64
	// Any change of these counts.
	Numeric []string
	// Any non-empty value counts, even if same as before.
	Command string
	// Boolean toggle counts.
	Flag string
}

func DefaultRules() Rules {
	return Rules{
		Positions: [][2]string{
			{"latitude", "longitude"},
			{"vpPosPointLat", "vpPosPointLon"},
		},
		PositionEpsilon: 1e-5,
		Heading:         "heading",
		HeadingDelta:    5,
		Numeric: []string{
			"nRoadLimitSpeed",
			"nTBTDist", "nTBTTurnType",
			"nSdiType", "nSdiSpeedLimit", "nSdiDist",
			"nGoPosDist", "nGoPosTime",
		},
		Command: "carrotCmd",
		Flag:    "isNavigating",
	}
}

type Detector struct {
	mu    sync.Mutex
	rules Rules
	last  Snapshot
}

func New(rules Rules) *Detector {
	return &Detector{rules: rules}
}

// ShouldSend returns true if forceImmediate, or if minIntervalElapsed and
// any watched field differs from last sent snapshot. Cache is updated
// whenever result is true.
func (self *Detector) ShouldSend(s Snapshot, minIntervalElapsed, forceImmediate bool) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !forceImmediate && !(minIntervalElapsed && self.changed(s)) {
		return false
	}
	self.last = self.watched(s)
	return true
}

// Reset forgets last sent snapshot, next ShouldSend with elapsed interval is true.
func (self *Detector) Reset() {
	self.mu.Lock()
	self.last = nil
	self.mu.Unlock()
}

func (self *Detector) watched(s Snapshot) Snapshot {
	r := &self.rules
	w := make(Snapshot, 2*len(r.Positions)+len(r.Numeric)+3)
	keep := func(key string) {
		if key == "" {
			return
		}
		if v, ok := s[key]; ok {
			w[key] = v
		}
	}
	for _, pair := range r.Positions {
		keep(pair[0])
		keep(pair[1])
	}
	keep(r.Heading)
	for _, key := range r.Numeric {
		keep(key)
	}
	keep(r.Command)
	keep(r.Flag)
	return w
}

func (self *Detector) changed(s Snapshot) bool {
	if self.last == nil {
		return true
	}
	r := &self.rules
	if r.Command != "" {
		if cmd, ok := s[r.Command]; ok && !isEmpty(cmd) {
			return true
		}
	}
	if r.Flag != "" && truthy(s[r.Flag]) != truthy(self.last[r.Flag]) {
		return true
	}
	for _, pair := range r.Positions {
		if self.deltaExceeds(s, pair[0], r.PositionEpsilon) || self.deltaExceeds(s, pair[1], r.PositionEpsilon) {
			return true
		}
	}
	if r.Heading != "" {
		nv, nok := toFloat(s[r.Heading])
		ov, ook := toFloat(self.last[r.Heading])
		if nok != ook || (nok && angleDiff(nv, ov) > r.HeadingDelta) {
			return true
		}
	}
	for _, key := range r.Numeric {
		if self.deltaExceeds(s, key, 0) {
			return true
		}
	}
	return false
}

func (self *Detector) deltaExceeds(s Snapshot, key string, epsilon float64) bool {
	nraw, npresent := s[key]
	oraw, opresent := self.last[key]
	if npresent != opresent {
		return true
	}
	if !npresent {
		return false
	}
	nv, nok := toFloat(nraw)
	ov, ook := toFloat(oraw)
	if !nok || !ook {
		return !reflect.DeepEqual(nraw, oraw)
	}
	return math.Abs(nv-ov) > epsilon
}

func angleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	return false
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
