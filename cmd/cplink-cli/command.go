package main

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jixiexiaoge/cplink/link"
	"github.com/juju/errors"
)

var commands = map[string]string{
	"status":    "show link status",
	"peers":     "list discovered peers",
	"broadcast": "send announcement now",
	"send":      "k=v... merge state fields",
	"command":   "NAME ARGS send command",
	"shell":     "CMD run on active peer",
	"watch":     "on|off print telemetry",
	"help":      "show usage",
}

func (self *runner) run(ctx context.Context, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	cmd, rest := words[0], words[1:]
	switch cmd {
	case "help":
		self.log.Infof(usage)
		return nil

	case "status":
		self.log.Infof("%s", self.t.Status().String())
		return nil

	case "peers":
		s := self.t.Status()
		if len(s.Peers) == 0 {
			self.log.Infof("no peers")
		}
		for _, p := range s.Peers {
			self.log.Infof("- %s version=%s last_seen=%s", p.Key(), p.Version, p.LastSeen.Format(time.RFC3339))
		}
		return nil

	case "broadcast":
		return self.t.Broadcast()

	case "send":
		doc, err := parseFields(rest)
		if err != nil {
			return err
		}
		self.t.Send(doc)
		return nil

	case "command":
		if len(rest) == 0 {
			return errors.NotValidf("command without name")
		}
		return self.t.SendCommand(rest[0], strings.Join(rest[1:], " "))

	case "shell":
		s := self.t.Status()
		if s.Peer == nil {
			return link.ErrNoActivePeer
		}
		r, err := self.sh.Exec(ctx, s.Peer.IP.String(), strings.Join(rest, " "))
		if err != nil {
			return err
		}
		self.log.Infof("%s", r.String())
		return nil

	case "watch":
		if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
			return errors.NotValidf("watch argument, expected on|off")
		}
		v := uint32(0)
		if rest[0] == "on" {
			v = 1
		}
		atomic.StoreUint32(&self.watch, v)
		return nil
	}

	if cmd[0] == 's' && len(cmd) > 1 {
		i, err := strconv.ParseUint(cmd[1:], 10, 32)
		if err != nil {
			return errors.Annotatef(err, "word=%s", cmd)
		}
		select {
		case <-time.After(time.Duration(i) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return errors.Errorf("invalid command: '%s'", cmd)
}

func parseFields(words []string) (map[string]interface{}, error) {
	if len(words) == 0 {
		return nil, errors.NotValidf("send without fields")
	}
	doc := make(map[string]interface{}, len(words))
	for _, w := range words {
		i := strings.IndexByte(w, '=')
		if i <= 0 {
			return nil, errors.NotValidf("field '%s', expected key=value", w)
		}
		doc[w[:i]] = parseValue(w[i+1:])
	}
	return doc, nil
}

func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
