// Cplink-cli runs the link in foreground and accepts commands
// interactively or from piped stdin.
package main

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	prompt "github.com/c-bata/go-prompt"
	"github.com/jixiexiaoge/cplink/helpers/cli"
	"github.com/jixiexiaoge/cplink/internal/config"
	"github.com/jixiexiaoge/cplink/internal/shell"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
)

const usage = `syntax: one command per line
- status            show link status
- peers             list discovered peers
- broadcast         send discovery announcement now
- send k=v...       merge fields into state, values parsed as int, float, bool or string
- command NAME ARG  send command packet to active peer
- shell CMD...      run CMD on active peer via remote shell
- watch on|off      print telemetry
- sN                pause N milliseconds
- help
`

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := pflag.StringP("config", "c", "", "config file, .hcl or .toml; defaults when empty")
	flagDebug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	log.SetFlags(log2.LInteractiveFlags)
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	lc := link.Default()
	sh := shell.New(log, 0, 0)
	if *flagConfig != "" {
		cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
		lc = cfg.Link.Transport()
		sh = shell.New(log, cfg.Shell.Port, cfg.ShellTimeout())
	}

	t := link.New(log)
	r := &runner{log: log, t: t, sh: sh}
	t.OnTelemetry(r.onTelemetry)
	t.OnStatusChange(func(s link.Status) { log.Infof("status %s", s.String()) })
	if err := t.Start(lc); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	ctx := context.Background()
	cli.MainLoop("cplink-cli", r.executor(ctx), newCompleter(), func() {
		if err := t.Stop(); err != nil {
			log.Errorf("stop err=%v", err)
		}
	})
	os.Exit(0)
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	suggests := make([]prompt.Suggest, 0, len(names))
	for _, name := range names {
		suggests = append(suggests, prompt.Suggest{Text: name, Description: commands[name]})
	}

	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

type runner struct {
	log   *log2.Log
	t     transport
	sh    remoteShell
	watch uint32
}

type transport interface {
	Status() link.Status
	Broadcast() error
	Send(map[string]interface{})
	SendCommand(name, args string) error
}

type remoteShell interface {
	Exec(ctx context.Context, host, cmd string) (shell.Result, error)
}

func (self *runner) executor(ctx context.Context) func(string) {
	return func(line string) {
		if err := self.run(ctx, line); err != nil {
			self.log.Errorf(errors.ErrorStack(err))
		}
	}
}

func (self *runner) onTelemetry(ev link.TelemetryEvent) {
	if atomic.LoadUint32(&self.watch) == 1 || ev.Lost {
		self.log.Infof("telemetry %s", ev.String())
	}
}
