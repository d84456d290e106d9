// Package config reads daemon configuration from HCL or TOML files.
// Format is chosen by extension: .toml is TOML, anything else is HCL.
// Sources may include other sources, later values override earlier.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/jixiexiaoge/cplink/helpers"
	"github.com/jixiexiaoge/cplink/internal/mirror"
	"github.com/jixiexiaoge/cplink/internal/shell"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include" toml:"include"`

	Link   LinkConfig    `hcl:"link" toml:"link"`
	Mirror mirror.Config `hcl:"mirror" toml:"mirror"`
	Http   struct {
		Listen  string `hcl:"listen" toml:"listen"`
		Metrics bool   `hcl:"metrics" toml:"metrics"`
		Monitor bool   `hcl:"monitor" toml:"monitor"`
	} `hcl:"http" toml:"http"`
	Shell struct {
		Port       int `hcl:"port" toml:"port"`
		TimeoutSec int `hcl:"timeout_sec" toml:"timeout_sec"`
	} `hcl:"shell" toml:"shell"`
	Log struct {
		Debug bool `hcl:"debug" toml:"debug"`
		Json  bool `hcl:"json" toml:"json"`
	} `hcl:"log" toml:"log"`
}

type Source struct {
	Name     string `hcl:"name,key" toml:"name"`
	Optional bool   `hcl:"optional" toml:"optional"`
}

// LinkConfig is file form of link.Config, zero means default.
type LinkConfig struct { //nolint:maligned
	DiscoveryPort int    `hcl:"discovery_port" toml:"discovery_port"`
	DataPort      int    `hcl:"data_port" toml:"data_port"`
	TelemetryPort int    `hcl:"telemetry_port" toml:"telemetry_port"`
	BroadcastAddr string `hcl:"broadcast_addr" toml:"broadcast_addr"`

	DiscoveryIntervalSec int `hcl:"discovery_interval_sec" toml:"discovery_interval_sec"`
	CheckIntervalSec     int `hcl:"check_interval_sec" toml:"check_interval_sec"`
	DeviceTimeoutSec     int `hcl:"device_timeout_sec" toml:"device_timeout_sec"`
	HeartbeatIntervalMs  int `hcl:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	StateSyncTickMs      int `hcl:"state_sync_tick_ms" toml:"state_sync_tick_ms"`
	SocketTimeoutMs      int `hcl:"socket_timeout_ms" toml:"socket_timeout_ms"`
	StaleTimeoutSec      int `hcl:"stale_timeout_sec" toml:"stale_timeout_sec"`
	WatchdogIntervalMs   int `hcl:"watchdog_interval_ms" toml:"watchdog_interval_ms"`

	MaxReconnectAttempts   int `hcl:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	ReconnectBackoffSec    int `hcl:"reconnect_backoff_sec" toml:"reconnect_backoff_sec"`
	ReconnectBackoffMaxSec int `hcl:"reconnect_backoff_max_sec" toml:"reconnect_backoff_max_sec"`

	ErrorWindowSec     int `hcl:"error_window_sec" toml:"error_window_sec"`
	QualityWindowSec   int `hcl:"quality_window_sec" toml:"quality_window_sec"`
	QualityIntervalSec int `hcl:"quality_interval_sec" toml:"quality_interval_sec"`

	MaxPacketSize    int    `hcl:"max_packet_size" toml:"max_packet_size"`
	MaxInboundPacket int    `hcl:"max_inbound_packet" toml:"max_inbound_packet"`
	MinPayload       int    `hcl:"min_payload" toml:"min_payload"`
	Timezone         string `hcl:"timezone" toml:"timezone"`
	Source           string `hcl:"source" toml:"source"`
}

// Transport converts file config to link.Config with defaults applied.
func (c LinkConfig) Transport() link.Config {
	d := link.Default()
	r := link.Config{
		DiscoveryPort:        c.DiscoveryPort,
		DataPort:             c.DataPort,
		TelemetryPort:        c.TelemetryPort,
		BroadcastAddr:        c.BroadcastAddr,
		DiscoveryInterval:    helpers.IntSecondDefault(c.DiscoveryIntervalSec, d.DiscoveryInterval),
		CheckInterval:        helpers.IntSecondDefault(c.CheckIntervalSec, d.CheckInterval),
		DeviceTimeout:        helpers.IntSecondDefault(c.DeviceTimeoutSec, d.DeviceTimeout),
		HeartbeatInterval:    helpers.IntMillisecondDefault(c.HeartbeatIntervalMs, d.HeartbeatInterval),
		StateSyncTick:        helpers.IntMillisecondDefault(c.StateSyncTickMs, d.StateSyncTick),
		SocketTimeout:        helpers.IntMillisecondDefault(c.SocketTimeoutMs, d.SocketTimeout),
		StaleTimeout:         helpers.IntSecondDefault(c.StaleTimeoutSec, d.StaleTimeout),
		WatchdogInterval:     helpers.IntMillisecondDefault(c.WatchdogIntervalMs, d.WatchdogInterval),
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectBackoff:     helpers.IntSecondDefault(c.ReconnectBackoffSec, d.ReconnectBackoff),
		ReconnectBackoffMax:  helpers.IntSecondDefault(c.ReconnectBackoffMaxSec, d.ReconnectBackoffMax),
		ErrorWindow:          helpers.IntSecondDefault(c.ErrorWindowSec, d.ErrorWindow),
		QualityWindow:        helpers.IntSecondDefault(c.QualityWindowSec, d.QualityWindow),
		QualityInterval:      helpers.IntSecondDefault(c.QualityIntervalSec, d.QualityInterval),
		MaxPacketSize:        c.MaxPacketSize,
		MaxInboundPacket:     c.MaxInboundPacket,
		MinPayload:           c.MinPayload,
		Timezone:             c.Timezone,
		Source:               c.Source,
	}
	return r.WithDefaults()
}

func (c *Config) ShellTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Shell.TimeoutSec, shell.DefaultTimeout)
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if err := c.Link.Transport().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Mirror.Enabled && c.Mirror.Broker == "" {
		errs = append(errs, errors.NotValidf("mirror enabled without broker"))
	}
	if (c.Http.Metrics || c.Http.Monitor) && c.Http.Listen == "" {
		errs = append(errs, errors.NotValidf("http.listen empty with metrics or monitor enabled"))
	}
	return helpers.FoldErrors(errs)
}

func unmarshal(name string, b []byte, c *Config) error {
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		return toml.Unmarshal(b, c)
	}
	return hcl.Unmarshal(b, c)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = unmarshal(norm, bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config without names")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
