package main

import (
	"context"
	"net"
	"testing"

	"github.com/jixiexiaoge/cplink/internal/discovery"
	"github.com/jixiexiaoge/cplink/internal/shell"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	status     link.Status
	sent       []map[string]interface{}
	commands   []string
	broadcasts int
}

func (f *fakeTransport) Status() link.Status            { return f.status }
func (f *fakeTransport) Broadcast() error               { f.broadcasts++; return nil }
func (f *fakeTransport) Send(doc map[string]interface{}) { f.sent = append(f.sent, doc) }
func (f *fakeTransport) SendCommand(name, args string) error {
	f.commands = append(f.commands, name+"|"+args)
	return nil
}

type fakeShell struct{ host, cmd string }

func (f *fakeShell) Exec(ctx context.Context, host, cmd string) (shell.Result, error) {
	f.host, f.cmd = host, cmd
	return shell.Result{Result: "ok"}, nil
}

func newRunner(t testing.TB) (*runner, *fakeTransport, *fakeShell) {
	ft := &fakeTransport{}
	fs := &fakeShell{}
	return &runner{log: log2.NewTest(t, log2.LDebug), t: ft, sh: fs}, ft, fs
}

func TestRunSend(t *testing.T) {
	t.Parallel()
	r, ft, _ := newRunner(t)
	require.NoError(t, r.run(context.Background(), "send speed=42 ratio=0.5 active=true road=A1"))
	require.Len(t, ft.sent, 1)
	assert.Equal(t, map[string]interface{}{
		"speed": int64(42), "ratio": 0.5, "active": true, "road": "A1",
	}, ft.sent[0])

	err := r.run(context.Background(), "send nokey")
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
	err = r.run(context.Background(), "send")
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	r, ft, _ := newRunner(t)
	require.NoError(t, r.run(context.Background(), "command nav set home"))
	require.NoError(t, r.run(context.Background(), "command ping"))
	assert.Equal(t, []string{"nav|set home", "ping|"}, ft.commands)
	assert.Error(t, r.run(context.Background(), "command"))
}

func TestRunShell(t *testing.T) {
	t.Parallel()
	r, ft, fs := newRunner(t)
	err := r.run(context.Background(), "shell uptime")
	assert.Equal(t, link.ErrNoActivePeer, errors.Cause(err))

	ft.status.Peer = &discovery.Peer{IP: net.ParseIP("192.168.1.20"), Port: 7706}
	require.NoError(t, r.run(context.Background(), "shell ls -l /data"))
	assert.Equal(t, "192.168.1.20", fs.host)
	assert.Equal(t, "ls -l /data", fs.cmd)
}

func TestRunMisc(t *testing.T) {
	t.Parallel()
	r, ft, _ := newRunner(t)
	ctx := context.Background()
	for _, line := range []string{"", "  ", "help", "status", "peers", "broadcast", "s1", "watch on"} {
		assert.NoError(t, r.run(ctx, line), "line=%s", line)
	}
	assert.Equal(t, 1, ft.broadcasts)
	assert.Equal(t, uint32(1), r.watch)
	assert.NoError(t, r.run(ctx, "watch off"))
	assert.Equal(t, uint32(0), r.watch)
	assert.Error(t, r.run(ctx, "watch maybe"))
	assert.Error(t, r.run(ctx, "sX"))
	assert.Error(t, r.run(ctx, "bogus"))
}

func TestParseValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(-3), parseValue("-3"))
	assert.Equal(t, 1.25, parseValue("1.25"))
	assert.Equal(t, false, parseValue("false"))
	assert.Equal(t, "NaN", parseValue("NaN"))
	assert.Equal(t, "", parseValue(""))
}
