package mirror

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

type MqttMock struct {
	Opt *mqtt.ClientOptions

	mu           sync.Mutex
	pub          []MockMsg
	subs         []MockSub
	connected    bool
	disconnected bool
}

type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{subs: make([]MockSub, 0, 16)}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

// TestPublish delivers message from broker to subscribed handler.
func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.mu.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.mu.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			msg := MockMsg{T: topic, P: payload}
			if sub.Qos > 0 {
				msg.acked = make(chan struct{})
			}
			sub.Handler(self, msg)
			if sub.Qos > 0 {
				select {
				case <-msg.acked:
				default:
					t.Errorf("message='%s' handled without Ack()", string(payload))
				}
			}
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

// Published returns messages sent to topic.
func (self *MqttMock) Published(topic string) []MockMsg {
	self.mu.Lock()
	defer self.mu.Unlock()
	r := []MockMsg{}
	for _, m := range self.pub {
		if m.T == topic {
			r = append(r, m)
		}
	}
	return r
}

func (self *MqttMock) Disconnect(uint) {
	self.mu.Lock()
	self.connected = false
	self.disconnected = true
	self.mu.Unlock()
}

func (self *MqttMock) IsConnected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connected
}
func (self *MqttMock) IsConnectionOpen() bool { return self.IsConnected() }

func (self *MqttMock) Connect() mqtt.Token {
	self.mu.Lock()
	self.connected = true
	self.mu.Unlock()
	if self.Opt != nil && self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
	return mockToken{nil}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	var p []byte
	switch x := payload.(type) {
	case []byte:
		p = x
	case string:
		p = []byte(x)
	}
	self.mu.Lock()
	self.pub = append(self.pub, MockMsg{T: topic, P: p, retain: retain})
	self.mu.Unlock()
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.mu.Lock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	self.mu.Unlock()
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }
func (tok mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type MockMsg struct {
	T      string
	P      []byte
	retain bool
	acked  chan struct{}
}

func (msg MockMsg) Ack() {
	if msg.acked != nil {
		close(msg.acked)
	}
}

func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return 0 }
func (msg MockMsg) Retained() bool    { return msg.retain }
func (msg MockMsg) Topic() string     { return msg.T }
