// Package monitor streams link status and telemetry to websocket clients.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jixiexiaoge/cplink/link"
	"github.com/jixiexiaoge/cplink/log2"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 3 * time.Second
)

// Event is one message sent to every client.
type Event struct {
	Type      string               `json:"type"` // status|telemetry
	At        time.Time            `json:"at"`
	Status    *link.Status         `json:"status,omitempty"`
	Telemetry *link.TelemetryEvent `json:"telemetry,omitempty"`
}

// Hub owns client connections in Run goroutine, others talk to it through channels.
type Hub struct {
	log        *log2.Log
	clients    map[*websocket.Conn]struct{}
	count      int32
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	dropped    uint64
	upgrader   websocket.Upgrader
}

func NewHub(log *log2.Log) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Clients returns number of connected clients.
func (self *Hub) Clients() int { return int(atomic.LoadInt32(&self.count)) }

// Dropped returns number of messages not queued because hub was busy.
func (self *Hub) Dropped() uint64 { return atomic.LoadUint64(&self.dropped) }

// Run serves clients until ctx is done, then closes them.
func (self *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			for c := range self.clients {
				self.drop(c)
			}
			return

		case c := <-self.register:
			self.clients[c] = struct{}{}
			atomic.StoreInt32(&self.count, int32(len(self.clients)))
			self.log.Debugf("monitor client=%s connected", c.RemoteAddr())

		case c := <-self.unregister:
			if _, ok := self.clients[c]; ok {
				self.drop(c)
			}

		case msg := <-self.broadcast:
			for c := range self.clients {
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					self.log.Debugf("monitor client=%s write err=%v", c.RemoteAddr(), err)
					self.drop(c)
				}
			}

		case <-ping.C:
			for c := range self.clients {
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					self.drop(c)
				}
			}
		}
	}
}

// drop requires Run goroutine.
func (self *Hub) drop(c *websocket.Conn) {
	delete(self.clients, c)
	atomic.StoreInt32(&self.count, int32(len(self.clients)))
	_ = c.Close()
}

// Handler upgrades requests to websocket clients. Client messages are ignored.
func (self *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := self.upgrader.Upgrade(w, r, nil)
		if err != nil {
			self.log.Debugf("monitor upgrade remote=%s err=%v", r.RemoteAddr, err)
			return
		}
		self.register <- conn

		go func() {
			defer func() { self.unregister <- conn }()
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(readTimeout))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// Broadcast queues v as JSON for all clients. Never blocks, drops when busy.
func (self *Hub) Broadcast(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		self.log.Errorf("monitor marshal err=%v", err)
		return
	}
	select {
	case self.broadcast <- b:
	default:
		atomic.AddUint64(&self.dropped, 1)
	}
}

// Attach subscribes hub to transport events.
func (self *Hub) Attach(t *link.Transport) {
	t.OnStatusChange(func(s link.Status) {
		self.Broadcast(Event{Type: "status", At: time.Now(), Status: &s})
	})
	t.OnTelemetry(func(ev link.TelemetryEvent) {
		self.Broadcast(Event{Type: "telemetry", At: time.Now(), Telemetry: &ev})
	})
}
