// Cplink runs the relay side of the link: discovery, state sync,
// heartbeat and telemetry intake, plus optional metrics, websocket
// monitor and MQTT mirror.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/jixiexiaoge/cplink/internal/config"
	"github.com/jixiexiaoge/cplink/internal/discovery"
	"github.com/jixiexiaoge/cplink/internal/metrics"
	"github.com/jixiexiaoge/cplink/internal/mirror"
	"github.com/jixiexiaoge/cplink/internal/monitor"
	"github.com/jixiexiaoge/cplink/internal/shell"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := pflag.StringP("config", "c", "cplink.hcl", "config file, .hcl or .toml")
	flagDebug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	service := sdnotify("start")
	if service {
		// systemd journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	fs := config.NewOsFullReader()
	cfg := config.MustReadConfig(log, fs, *flagConfig)
	var level log2.Level = log2.LInfo
	if cfg.Log.Debug || *flagDebug {
		level = log2.LDebug
	}
	if cfg.Log.Json || (!service && !isatty.IsTerminal(os.Stderr.Fd())) {
		z, err := zap.NewProduction()
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		defer z.Sync() //nolint:errcheck
		log = log2.NewZap(z, level)
	} else {
		log.SetLevel(level)
	}
	log.Debugf("config=%+v", cfg.Link.Transport())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	t := link.New(log)
	t.OnStatusChange(func(s link.Status) { log.Infof("link status %s", s.String()) })
	t.OnAnnouncement(func(a discovery.Announcement) { log.Debugf("announce from=%s doc=%s", a.From, a.Doc) })

	sh := shell.New(log.Clone(log2.LInfo), cfg.Shell.Port, cfg.ShellTimeout())

	var mq *mirror.Mirror
	if cfg.Mirror.Enabled {
		var mlevel log2.Level = log2.LInfo
		if cfg.Mirror.LogDebug {
			mlevel = log2.LDebug
		}
		mq = mirror.New(log.Clone(mlevel), cfg.Mirror)
		mq.Attach(t)
		mq.OnCommand(func(name, args string) error {
			if name == "shell" {
				return shellExec(ctx, t, sh, args)
			}
			return t.SendCommand(name, args)
		})
	}

	var srv *http.Server
	if cfg.Http.Listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(t.Status())
		})
		if cfg.Http.Metrics {
			mux.Handle("/metrics", metrics.Handler(t))
		}
		if cfg.Http.Monitor {
			hub := monitor.NewHub(log.Clone(log2.LInfo))
			hub.Attach(t)
			go hub.Run(ctx)
			mux.Handle("/ws", hub.Handler())
		}
		srv = &http.Server{Addr: cfg.Http.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Infof("http listen=%s", cfg.Http.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("http err=%v", err)
			}
		}()
	}

	if err := t.Start(cfg.Link.Transport()); err != nil {
		return errors.Annotate(err, "link start")
	}
	if mq != nil {
		if err := mq.Start(); err != nil {
			// broker may come later, paho keeps reconnecting
			log.Errorf("mirror start err=%v", err)
		}
	}
	sdnotify(daemon.SdNotifyReady)
	log.Infof("cplink running instance=%s", t.InstanceID())

	<-ctx.Done()
	sdnotify(daemon.SdNotifyStopping)
	log.Infof("cplink stopping")

	var err error
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = multierr.Append(err, srv.Shutdown(sctx))
		cancel()
	}
	if mq != nil {
		mq.Stop()
	}
	err = multierr.Append(err, t.Stop())
	return err
}

func shellExec(ctx context.Context, t *link.Transport, sh *shell.Client, cmd string) error {
	s := t.Status()
	if s.Peer == nil {
		return link.ErrNoActivePeer
	}
	r, err := sh.Exec(ctx, s.Peer.IP.String(), cmd)
	if err != nil {
		return errors.Annotatef(err, "shell peer=%s", s.Peer.IP)
	}
	log.Infof("shell peer=%s cmd='%s' %s", s.Peer.IP, cmd, r.String())
	if r.ExitStatus != 0 {
		return errors.Errorf("shell exit=%d %s", r.ExitStatus, r.Error)
	}
	return nil
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
