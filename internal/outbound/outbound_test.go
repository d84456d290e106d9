package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jixiexiaoge/cplink/internal/change"
	"github.com/jixiexiaoge/cplink/internal/discovery"
	"github.com/jixiexiaoge/cplink/internal/session"
	"github.com/jixiexiaoge/cplink/internal/stat"
	"github.com/jixiexiaoge/cplink/internal/udp"
	"github.com/jixiexiaoge/cplink/internal/udp/udptest"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	peer    *discovery.Peer
	results []error
}

func (self *fakeSource) ActivePeer() (discovery.Peer, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.peer == nil {
		return discovery.Peer{}, false
	}
	return *self.peer, true
}

func (self *fakeSource) ReportSend(err error) {
	self.mu.Lock()
	self.results = append(self.results, err)
	self.mu.Unlock()
}

func (self *fakeSource) setPeer(ip string) {
	self.mu.Lock()
	self.peer = &discovery.Peer{IP: net.ParseIP(ip), Port: discovery.DefaultDataPort}
	self.mu.Unlock()
}

func (self *fakeSource) reported() []error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]error(nil), self.results...)
}

const peerAddr = "192.168.1.20:7706"

// slow loops so tests drive steps explicitly
var manualConfig = Config{HeartbeatInterval: time.Hour, StateSyncTick: time.Hour}

func newTestChannel(t testing.TB, config Config) (*Channel, *udptest.Net, *fakeSource) {
	mem := udptest.New("192.168.1.10")
	ch := New(log2.NewTest(t, log2.LDebug), config, nil, mem, nil)
	src := &fakeSource{}
	require.NoError(t, ch.Start(context.Background(), src))
	t.Cleanup(func() { ch.Stop() })
	return ch, mem, src
}

func decode(t testing.TB, d udptest.Datagram) map[string]interface{} {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(d.Data, &m))
	return m
}

func TestNoPeerNoSend(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	assert.False(t, ch.Heartbeat())
	ch.Publish(change.Snapshot{"nTBTDist": 100})
	assert.False(t, ch.SyncState())
	err := ch.SendCommand("DETECT", "")
	assert.Equal(t, session.ErrNoActivePeer, errors.Cause(err))
	assert.Empty(t, mem.Sent())
	assert.Empty(t, src.reported())
	assert.Equal(t, uint64(0), ch.Sequence())
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	src.setPeer("192.168.1.20")
	require.True(t, ch.Heartbeat())
	sent := mem.SentTo(peerAddr)
	require.Equal(t, 1, len(sent))
	m := decode(t, sent[0])
	assert.Equal(t, 1.0, m["sequence"])
	assert.Equal(t, true, m["heartbeat"])
	assert.Equal(t, "cplink", m["source"])
	assert.Equal(t, DefaultTimezone, m["timezone"])
	assert.InDelta(t, float64(time.Now().Unix()), m["epochSeconds"], 5)
	assert.Equal(t, []error{nil}, src.reported())
	assert.False(t, ch.LastSendAt().IsZero())
}

func TestSequenceShared(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	src.setPeer("192.168.1.20")
	ch.Heartbeat()
	ch.Publish(change.Snapshot{"nTBTDist": 100, "roadName": "Main"})
	require.Eventually(t, func() bool { return len(mem.Sent()) == 2 }, time.Second, time.Millisecond)
	require.NoError(t, ch.SendCommand("traffic_light_update", "red,1,2"))
	ch.Heartbeat()

	sent := mem.SentTo(peerAddr)
	require.Equal(t, 4, len(sent))
	for i, d := range sent {
		assert.Equal(t, float64(i+1), decode(t, d)["sequence"])
	}
	state := decode(t, sent[1])
	assert.Equal(t, 100.0, state["nTBTDist"])
	assert.Equal(t, "Main", state["roadName"])
	assert.Nil(t, state["heartbeat"])
	cmd := decode(t, sent[2])
	assert.Equal(t, "traffic_light_update", cmd["command"])
	assert.Equal(t, "red,1,2", cmd["commandArgs"])
	assert.Equal(t, uint64(4), ch.Sequence())
}

func TestEnvelopeFieldsWin(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	src.setPeer("192.168.1.20")
	ch.Publish(change.Snapshot{"sequence": 999, "timezone": "bogus", "nTBTDist": 1})
	require.Eventually(t, func() bool { return len(mem.Sent()) == 1 }, time.Second, time.Millisecond)
	m := decode(t, mem.SentTo(peerAddr)[0])
	assert.Equal(t, 1.0, m["sequence"])
	assert.Equal(t, DefaultTimezone, m["timezone"])
}

func TestStateThrottle(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, Config{HeartbeatInterval: time.Hour, StateSyncTick: 50 * time.Millisecond})
	src.setPeer("192.168.1.20")
	ch.Publish(change.Snapshot{"nTBTDist": 100})
	assert.Eventually(t, func() bool { return len(mem.SentTo(peerAddr)) == 1 }, time.Second, time.Millisecond)
	// unchanged snapshot is not resent on later ticks
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, len(mem.SentTo(peerAddr)))

	ch.Publish(change.Snapshot{"nTBTDist": 90})
	assert.Eventually(t, func() bool { return len(mem.SentTo(peerAddr)) == 2 }, time.Second, time.Millisecond)
}

func TestStateMinInterval(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	src.setPeer("192.168.1.20")
	ch.Publish(change.Snapshot{"nTBTDist": 100})
	require.Eventually(t, func() bool { return len(mem.Sent()) == 1 }, time.Second, time.Millisecond)
	ch.Publish(change.Snapshot{"nTBTDist": 90})
	assert.False(t, ch.SyncState(), "tick not elapsed")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, len(mem.SentTo(peerAddr)))
}

func TestOversizeDropped(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, Config{HeartbeatInterval: time.Hour, StateSyncTick: time.Hour, MaxPacketSize: 200})
	var st stat.Link
	ch.SetStat(&st)
	src.setPeer("192.168.1.20")
	ch.Publish(change.Snapshot{"nTBTDist": 1, "blob": strings.Repeat("x", 300)})
	assert.False(t, ch.SyncState())
	require.Eventually(t, func() bool { return st.Dropped.Value() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, mem.Sent())
	assert.Empty(t, src.reported(), "oversize is not a link failure")

	err := ch.SendCommand("big", strings.Repeat("y", 300))
	assert.Equal(t, ErrOversize, errors.Cause(err))
}

func TestUnencodableDropped(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	var st stat.Link
	ch.SetStat(&st)
	src.setPeer("192.168.1.20")
	for i := 0; i < 4; i++ {
		ch.Publish(change.Snapshot{"nTBTDist": i, "speed": math.NaN()})
	}
	assert.False(t, ch.SyncState())
	require.Eventually(t, func() bool { return st.Dropped.Value() >= 1 }, time.Second, time.Millisecond)
	assert.Empty(t, mem.Sent())
	assert.Empty(t, src.reported(), "bad document is not a link failure")

	require.NoError(t, ch.SendCommand("DETECT", fmt.Sprint(math.NaN())))
	assert.Equal(t, []error{nil}, src.reported())
}

func TestSendFailureReported(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	src.setPeer("192.168.1.20")
	mem.FailWrites(fmt.Errorf("network is unreachable"))
	assert.False(t, ch.Heartbeat())
	err := ch.SendCommand("DETECT", "")
	require.Error(t, err)
	assert.Equal(t, udp.SendFailure, udp.KindOf(err))
	reported := src.reported()
	require.Equal(t, 2, len(reported))
	for _, e := range reported {
		assert.Equal(t, udp.SendFailure, udp.KindOf(e))
	}
}

func TestReopenPing(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, manualConfig)
	first := ch.LocalAddr().String()
	require.NoError(t, ch.Reopen())
	assert.NotEqual(t, first, ch.LocalAddr().String())
	assert.Equal(t, 1, mem.Open())

	p := discovery.Peer{IP: net.ParseIP("192.168.1.30"), Port: 7706}
	require.NoError(t, ch.Ping(p))
	sent := mem.SentTo("192.168.1.30:7706")
	require.Equal(t, 1, len(sent))
	assert.Equal(t, true, decode(t, sent[0])["heartbeat"])
	assert.Empty(t, src.reported(), "ping result is not reported")
}

func TestHeartbeatLoop(t *testing.T) {
	t.Parallel()

	ch, mem, src := newTestChannel(t, Config{HeartbeatInterval: 20 * time.Millisecond, StateSyncTick: time.Hour})
	time.Sleep(70 * time.Millisecond)
	assert.Empty(t, mem.Sent(), "no heartbeat without peer")
	src.setPeer("192.168.1.20")
	assert.Eventually(t, func() bool { return len(mem.SentTo(peerAddr)) >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, ch.Stop())
	n := len(mem.Sent())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(mem.Sent()))
}

func TestRestart(t *testing.T) {
	t.Parallel()

	mem := udptest.New("192.168.1.10")
	ch := New(log2.NewTest(t, log2.LDebug), manualConfig, nil, mem, nil)
	src := &fakeSource{}
	src.setPeer("192.168.1.20")
	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Start(context.Background(), src))
		require.NoError(t, ch.Start(context.Background(), src))
		assert.Equal(t, 1, mem.Open())
		require.True(t, ch.Heartbeat())
		require.NoError(t, ch.Stop())
		require.NoError(t, ch.Stop())
		assert.Equal(t, 0, mem.Open())
	}
	assert.Error(t, ch.Reopen())
	assert.Equal(t, uint64(3), ch.Sequence(), "sequence survives restart")
}
