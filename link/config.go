package link

import (
	"fmt"
	"time"

	"github.com/jixiexiaoge/cplink/frame"
	"github.com/jixiexiaoge/cplink/helpers"
	"github.com/jixiexiaoge/cplink/internal/discovery"
	"github.com/jixiexiaoge/cplink/internal/health"
	"github.com/jixiexiaoge/cplink/internal/inbound"
	"github.com/jixiexiaoge/cplink/internal/outbound"
	"github.com/jixiexiaoge/cplink/internal/session"
	"github.com/juju/errors"
)

// Config holds every tunable of the transport. Zero fields take defaults.
type Config struct {
	DiscoveryPort int
	DataPort      int
	TelemetryPort int
	BroadcastAddr string

	DiscoveryInterval time.Duration
	CheckInterval     time.Duration
	DeviceTimeout     time.Duration
	HeartbeatInterval time.Duration
	StateSyncTick     time.Duration
	SocketTimeout     time.Duration
	StaleTimeout      time.Duration
	WatchdogInterval  time.Duration

	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	ReconnectBackoffMax  time.Duration

	ErrorWindow     time.Duration
	QualityWindow   time.Duration
	QualityInterval time.Duration

	MaxPacketSize    int // outbound datagram limit
	MaxInboundPacket int
	MinPayload       int

	Timezone string
	Source   string
}

func Default() Config {
	return Config{
		DiscoveryPort:        discovery.DefaultPort,
		DataPort:             discovery.DefaultDataPort,
		TelemetryPort:        inbound.DefaultPort,
		BroadcastAddr:        discovery.DefaultBroadcastAddr,
		DiscoveryInterval:    discovery.DefaultInterval,
		CheckInterval:        discovery.DefaultCheckInterval,
		DeviceTimeout:        discovery.DefaultDeviceTimeout,
		HeartbeatInterval:    outbound.DefaultHeartbeatInterval,
		StateSyncTick:        outbound.DefaultStateSyncTick,
		SocketTimeout:        outbound.DefaultSocketTimeout,
		StaleTimeout:         inbound.DefaultStaleTimeout,
		WatchdogInterval:     inbound.DefaultWatchdogInterval,
		MaxReconnectAttempts: session.DefaultMaxReconnectAttempts,
		ReconnectBackoff:     session.DefaultReconnectBackoff,
		ReconnectBackoffMax:  session.DefaultReconnectBackoffMax,
		ErrorWindow:          health.DefaultErrorWindow,
		QualityWindow:        health.DefaultQualityWindow,
		QualityInterval:      health.DefaultQualityInterval,
		MaxPacketSize:        outbound.DefaultMaxPacketSize,
		MaxInboundPacket:     frame.DefaultMaxPacket,
		MinPayload:           frame.DefaultMinPayload,
		Timezone:             outbound.DefaultTimezone,
		Source:               outbound.DefaultSource,
	}
}

// WithDefaults returns copy with zero fields replaced by Default values.
func (c Config) WithDefaults() Config {
	d := Default()
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setStr := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt(&c.DiscoveryPort, d.DiscoveryPort)
	setInt(&c.DataPort, d.DataPort)
	setInt(&c.TelemetryPort, d.TelemetryPort)
	setStr(&c.BroadcastAddr, d.BroadcastAddr)
	setDur(&c.DiscoveryInterval, d.DiscoveryInterval)
	setDur(&c.CheckInterval, d.CheckInterval)
	setDur(&c.DeviceTimeout, d.DeviceTimeout)
	setDur(&c.HeartbeatInterval, d.HeartbeatInterval)
	setDur(&c.StateSyncTick, d.StateSyncTick)
	setDur(&c.SocketTimeout, d.SocketTimeout)
	setDur(&c.StaleTimeout, d.StaleTimeout)
	setDur(&c.WatchdogInterval, d.WatchdogInterval)
	setInt(&c.MaxReconnectAttempts, d.MaxReconnectAttempts)
	setDur(&c.ReconnectBackoff, d.ReconnectBackoff)
	setDur(&c.ReconnectBackoffMax, d.ReconnectBackoffMax)
	setDur(&c.ErrorWindow, d.ErrorWindow)
	setDur(&c.QualityWindow, d.QualityWindow)
	setDur(&c.QualityInterval, d.QualityInterval)
	setInt(&c.MaxPacketSize, d.MaxPacketSize)
	setInt(&c.MaxInboundPacket, d.MaxInboundPacket)
	setInt(&c.MinPayload, d.MinPayload)
	setStr(&c.Timezone, d.Timezone)
	setStr(&c.Source, d.Source)
	return c
}

// Validate checks config after defaults are applied.
func (c Config) Validate() error {
	c = c.WithDefaults()
	errs := make([]error, 0)
	port := func(name string, v int) {
		if v < 1 || v > 65535 {
			errs = append(errs, errors.NotValidf("%s=%d", name, v))
		}
	}
	positive := func(name string, v time.Duration) {
		if v < 0 {
			errs = append(errs, errors.NotValidf("%s=%v", name, v))
		}
	}
	port("discovery_port", c.DiscoveryPort)
	port("data_port", c.DataPort)
	port("telemetry_port", c.TelemetryPort)
	if c.DiscoveryPort == c.TelemetryPort {
		errs = append(errs, errors.NotValidf("telemetry_port=%d same as discovery_port", c.TelemetryPort))
	}
	positive("discovery_interval", c.DiscoveryInterval)
	positive("check_interval", c.CheckInterval)
	positive("device_timeout", c.DeviceTimeout)
	positive("heartbeat_interval", c.HeartbeatInterval)
	positive("state_sync_tick", c.StateSyncTick)
	positive("socket_timeout", c.SocketTimeout)
	positive("stale_timeout", c.StaleTimeout)
	positive("watchdog_interval", c.WatchdogInterval)
	positive("reconnect_backoff", c.ReconnectBackoff)
	positive("reconnect_backoff_max", c.ReconnectBackoffMax)
	positive("error_window", c.ErrorWindow)
	positive("quality_window", c.QualityWindow)
	positive("quality_interval", c.QualityInterval)
	if c.ReconnectBackoffMax < c.ReconnectBackoff {
		errs = append(errs, errors.NotValidf("reconnect_backoff_max=%v less than reconnect_backoff=%v", c.ReconnectBackoffMax, c.ReconnectBackoff))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.NotValidf("max_reconnect_attempts=%d", c.MaxReconnectAttempts))
	}
	if c.MaxPacketSize < 64 || c.MaxPacketSize > 65507 {
		errs = append(errs, errors.NotValidf("max_packet_size=%d", c.MaxPacketSize))
	}
	if c.MinPayload < 0 || c.MaxInboundPacket < frame.HeaderSize+c.MinPayload || c.MaxInboundPacket > 65507 {
		errs = append(errs, errors.NotValidf("inbound packet limits min_payload=%d max=%d", c.MinPayload, c.MaxInboundPacket))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Annotate(helpers.FoldErrors(errs), "link config")
}

func (c Config) String() string {
	return fmt.Sprintf("(discovery=%d data=%d telemetry=%d broadcast=%s)",
		c.DiscoveryPort, c.DataPort, c.TelemetryPort, c.BroadcastAddr)
}

func (c Config) discovery() discovery.Config {
	return discovery.Config{
		Port:          c.DiscoveryPort,
		DataPort:      c.DataPort,
		BroadcastAddr: c.BroadcastAddr,
		Interval:      c.DiscoveryInterval,
		CheckInterval: c.CheckInterval,
		DeviceTimeout: c.DeviceTimeout,
		SocketTimeout: c.SocketTimeout,
		MaxPacket:     c.MaxInboundPacket,
	}
}

func (c Config) health() health.Config {
	return health.Config{
		ErrorWindow:     c.ErrorWindow,
		QualityWindow:   c.QualityWindow,
		QualityInterval: c.QualityInterval,
	}
}

func (c Config) session() session.Config {
	return session.Config{
		DeviceTimeout:        c.DeviceTimeout,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectBackoff:     c.ReconnectBackoff,
		ReconnectBackoffMax:  c.ReconnectBackoffMax,
	}
}

func (c Config) outbound() outbound.Config {
	return outbound.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		StateSyncTick:     c.StateSyncTick,
		SocketTimeout:     c.SocketTimeout,
		MaxPacketSize:     c.MaxPacketSize,
		Timezone:          c.Timezone,
		Source:            c.Source,
	}
}

func (c Config) inbound() inbound.Config {
	return inbound.Config{
		Port:             c.TelemetryPort,
		SocketTimeout:    c.SocketTimeout,
		StaleTimeout:     c.StaleTimeout,
		WatchdogInterval: c.WatchdogInterval,
		Limits:           frame.Limits{MinPayload: c.MinPayload, MaxPacket: c.MaxInboundPacket},
	}
}
