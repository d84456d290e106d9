package config

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/jixiexiaoge/cplink/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, link.Default(), c.Link.Transport())
			assert.False(t, c.Mirror.Enabled)
			assert.Equal(t, 5*time.Second, c.ShellTimeout())
		}, ""},

		{"link", `
link {
	discovery_port = 17705
	device_timeout_sec = 30
	heartbeat_interval_ms = 250
	source = "relay-test"
}`,
			func(t testing.TB, c *Config) {
				lc := c.Link.Transport()
				assert.Equal(t, 17705, lc.DiscoveryPort)
				assert.Equal(t, link.Default().DataPort, lc.DataPort)
				assert.Equal(t, 30*time.Second, lc.DeviceTimeout)
				assert.Equal(t, 250*time.Millisecond, lc.HeartbeatInterval)
				assert.Equal(t, "relay-test", lc.Source)
			}, ""},

		{"mirror", `
mirror {
	enable = true
	broker = "tcp://127.0.0.1:1883"
	topic_prefix = "car1"
}
http { listen = ":9110" metrics = true }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.Mirror.Enabled)
				assert.Equal(t, "tcp://127.0.0.1:1883", c.Mirror.Broker)
				assert.Equal(t, ":9110", c.Http.Listen)
				assert.True(t, c.Http.Metrics)
			}, ""},

		{"include-normalize", `
link { source = "a" }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "port-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 17707, c.Link.DataPort)
			}, ""},

		{"include-overwrites", `
link { data_port = 1 }
include "port-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 17707, c.Link.DataPort)
			}, ""},

		{"include-toml", `include "local.toml" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 17708, c.Link.TelemetryPort)
				assert.Equal(t, 2, c.Shell.TimeoutSec)
				assert.Equal(t, 2*time.Second, c.ShellTimeout())
				assert.True(t, c.Log.Debug)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-port", `link { data_port = 70000 }`, nil, "data_port=70000 not valid"},
		{"error-mirror", `mirror { enable = true }`, nil, "mirror enabled without broker"},
		{"error-http", `http { monitor = true }`, nil, "http.listen empty"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"port-7":       "link{data_port=17707}",
				"include-loop": `include "include-loop" {}`,
				"local.toml": `
[link]
telemetry_port = 17708

[shell]
timeout_sec = 2

[log]
debug = true
`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestReadConfigToml(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fs := NewMockFullReader(map[string]string{
		"cplink.toml": `
[[include]]
name = "extra.hcl"

[link]
broadcast_addr = "192.168.43.255"
stale_timeout_sec = 20

[mirror]
enable = true
broker = "tcp://mq:1883"
telemetry = true
`,
		"extra.hcl": `link { max_reconnect_attempts = 5 }`,
	})
	cfg, err := ReadConfig(log, fs, "cplink.toml")
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	lc := cfg.Link.Transport()
	assert.Equal(t, "192.168.43.255", lc.BroadcastAddr)
	assert.Equal(t, 20*time.Second, lc.StaleTimeout)
	assert.Equal(t, 5, lc.MaxReconnectAttempts)
	assert.True(t, cfg.Mirror.Telemetry)
}

func TestFunctionalBundledConfig(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	cfg, err := ReadConfig(log, NewOsFullReader(), "../../cplink.hcl")
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	assert.NoError(t, cfg.Link.Transport().Validate())
}
