// Package mirror republishes link status and telemetry to MQTT broker
// and accepts remote commands for the peer.
package mirror

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jixiexiaoge/cplink/helpers"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/jixiexiaoge/cplink/log2"
	"github.com/juju/errors"
)

const DefaultTopicPrefix = "cplink"

type Config struct {
	Enabled        bool   `hcl:"enable" toml:"enable"`
	Broker         string `hcl:"broker" toml:"broker"`
	ClientID       string `hcl:"client_id" toml:"client_id"`
	Username       string `hcl:"username" toml:"username"`
	Password       string `hcl:"password" toml:"password"` // secret
	TopicPrefix    string `hcl:"topic_prefix" toml:"topic_prefix"`
	KeepaliveSec   int    `hcl:"keepalive_sec" toml:"keepalive_sec"`
	PingTimeoutSec int    `hcl:"ping_timeout_sec" toml:"ping_timeout_sec"`
	Telemetry      bool   `hcl:"telemetry" toml:"telemetry"` // mirror every frame, noisy
	LogDebug       bool   `hcl:"log_debug" toml:"log_debug"`
}

// Command is payload of <prefix>/r/c topic.
type Command struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Args    string `json:"args,omitempty"`
}

// CommandResult is published to <prefix>/w/cr.
type CommandResult struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CommandFunc executes remote command, usually link.Transport.SendCommand.
type CommandFunc func(name, args string) error

type Mirror struct {
	log       *log2.Log
	config    Config
	newClient func(*mqtt.ClientOptions) mqtt.Client
	onCommand CommandFunc

	topicConnect   string
	topicStatus    string
	topicTelemetry string
	topicCommand   string
	topicResult    string

	mu sync.Mutex
	m  mqtt.Client
}

func New(log *log2.Log, config Config) *Mirror {
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.ClientID == "" {
		config.ClientID = "cplink-" + uuid.New().String()[:8]
	}
	p := config.TopicPrefix
	return &Mirror{
		log:            log,
		config:         config,
		newClient:      mqtt.NewClient,
		topicConnect:   fmt.Sprintf("%s/c", p),
		topicStatus:    fmt.Sprintf("%s/w/s", p),
		topicTelemetry: fmt.Sprintf("%s/w/t", p),
		topicCommand:   fmt.Sprintf("%s/r/c", p),
		topicResult:    fmt.Sprintf("%s/w/cr", p),
	}
}

// SetClientFactory replaces paho client constructor, used by tests.
func (self *Mirror) SetClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) { self.newClient = f }

func (self *Mirror) OnCommand(f CommandFunc) {
	self.mu.Lock()
	self.onCommand = f
	self.mu.Unlock()
}

func (self *Mirror) Config() Config { return self.config }

// Start connects in background with retries, returns only option errors.
func (self *Mirror) Start() error {
	if self.config.Broker == "" {
		return errors.NotValidf("mirror broker")
	}
	mqtt.ERROR = log2.Printer{L: self.log, Level: log2.LError}
	mqtt.CRITICAL = log2.Printer{L: self.log, Level: log2.LError}
	mqtt.WARN = log2.Printer{L: self.log, Level: log2.LInfo}
	if self.config.LogDebug {
		mqtt.DEBUG = log2.Printer{L: self.log, Level: log2.LDebug}
	}
	keepAlive := helpers.IntSecondDefault(self.config.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(self.config.PingTimeoutSec, 30*time.Second)
	opt := mqtt.NewClientOptions().
		AddBroker(self.config.Broker).
		SetBinaryWill(self.topicConnect, []byte{0x00}, 1, true).
		SetClientID(self.config.ClientID).
		SetUsername(self.config.Username).
		SetPassword(self.config.Password).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(keepAlive / 2).
		SetAutoReconnect(true).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	c := self.newClient(opt)
	self.mu.Lock()
	self.m = c
	self.mu.Unlock()
	if tok := c.Connect(); tok.Error() != nil {
		return errors.Annotate(tok.Error(), "mirror connect")
	}
	self.log.Infof("mirror broker=%s client=%s", self.config.Broker, self.config.ClientID)
	return nil
}

// Stop marks mirror offline and disconnects.
func (self *Mirror) Stop() {
	self.mu.Lock()
	c := self.m
	self.m = nil
	self.mu.Unlock()
	if c == nil {
		return
	}
	if c.IsConnected() {
		c.Publish(self.topicConnect, 1, true, []byte{0x00}).WaitTimeout(time.Second)
	}
	c.Disconnect(250)
}

// PublishStatus sends retained status document.
func (self *Mirror) PublishStatus(s link.Status) {
	self.publish(self.topicStatus, true, s)
}

// PublishTelemetry sends telemetry event if enabled in config.
func (self *Mirror) PublishTelemetry(ev link.TelemetryEvent) {
	if !self.config.Telemetry && !ev.Lost {
		return
	}
	self.publish(self.topicTelemetry, false, ev)
}

// Attach subscribes mirror to transport events. Remote commands go to
// transport unless OnCommand already set a handler.
func (self *Mirror) Attach(t *link.Transport) {
	t.OnStatusChange(self.PublishStatus)
	t.OnTelemetry(self.PublishTelemetry)
	self.mu.Lock()
	if self.onCommand == nil {
		self.onCommand = t.SendCommand
	}
	self.mu.Unlock()
}

func (self *Mirror) publish(topic string, retain bool, v interface{}) {
	self.mu.Lock()
	c := self.m
	self.mu.Unlock()
	if c == nil || !c.IsConnectionOpen() {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		self.log.Errorf("mirror topic=%s marshal err=%v", topic, err)
		return
	}
	c.Publish(topic, 1, retain, b)
}

func (self *Mirror) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mirror connected")
	if tok := c.Subscribe(self.topicCommand, 1, self.commandHandler); tok.Wait() && tok.Error() != nil {
		self.log.Errorf("mirror subscribe topic=%s err=%v", self.topicCommand, tok.Error())
		return
	}
	c.Publish(self.topicConnect, 1, true, []byte{0x01})
}

func (self *Mirror) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("mirror connection lost err=%v", err)
}

func (self *Mirror) commandHandler(c mqtt.Client, msg mqtt.Message) {
	msg.Ack()
	var cmd Command
	result := CommandResult{}
	self.mu.Lock()
	onCommand := self.onCommand
	self.mu.Unlock()
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		result.Error = errors.Annotate(err, "command parse").Error()
	} else if cmd.Command == "" {
		result.ID = cmd.ID
		result.Error = errors.NotValidf("empty command").Error()
	} else if onCommand == nil {
		result.ID = cmd.ID
		result.Error = "commands not accepted"
	} else {
		result.ID = cmd.ID
		if err := onCommand(cmd.Command, cmd.Args); err != nil {
			result.Error = err.Error()
		} else {
			result.OK = true
		}
	}
	self.log.Debugf("mirror command=%s id=%s ok=%t err=%s", cmd.Command, cmd.ID, result.OK, result.Error)
	b, _ := json.Marshal(result)
	c.Publish(self.topicResult, 1, false, b)
}
