// Package broadcast pushes smoothed metric snapshots to WebSocket listeners
// and serves the agent's HTTP endpoints.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/OriD-19/dashprobe/internal/estimator"
)

// Snapshotter supplies the current snapshot.
type Snapshotter interface {
	Snapshot() estimator.Snapshot
}

// Options tunes a Hub. Zero fields take the defaults of NewHub.
type Options struct {
	// QueueSize is the per-listener backlog. Messages beyond it are dropped.
	QueueSize  int
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	Logger     logrus.FieldLogger
}

// Hub fans snapshots out to every connected listener. A slow listener loses
// messages instead of delaying the others.
type Hub struct {
	source   Snapshotter
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	queueSize      int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates a Hub. New listeners are greeted with source's snapshot
// when it holds valid data.
func NewHub(source Snapshotter, opts Options) *Hub {
	h := &Hub{
		source:         source,
		log:            opts.Logger,
		queueSize:      opts.QueueSize,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		maxMessageSize: 512,
		clients:        make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the player UI is served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	h.log = h.log.WithField("component", "broadcast")
	if h.queueSize <= 0 {
		h.queueSize = 16
	}
	if h.writeWait <= 0 {
		h.writeWait = 10 * time.Second
	}
	if h.pongWait <= 0 {
		h.pongWait = 60 * time.Second
	}
	if h.pingPeriod <= 0 || h.pingPeriod >= h.pongWait {
		h.pingPeriod = h.pongWait * 9 / 10
	}
	return h
}

// ServeHTTP upgrades the request to a WebSocket and registers the listener.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeWait))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"client": c.id, "remote": conn.RemoteAddr().String()}).Info("listener connected")

	if snap := h.source.Snapshot(); snap.ThroughputKbps > 0 {
		if b, err := json.Marshal(NewMessage(snap, time.Now())); err == nil {
			select {
			case c.send <- b:
			default:
			}
		}
	}

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast sends snap to every listener and returns how many accepted it.
// Snapshots without throughput are not sent.
func (h *Hub) Broadcast(snap estimator.Snapshot, now time.Time) int {
	if !(snap.ThroughputKbps > 0) {
		return 0
	}
	b, err := json.Marshal(NewMessage(snap, now))
	if err != nil {
		h.log.WithError(err).Error("encoding snapshot")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- b:
			sent++
		default:
			h.log.WithField("client", c.id).Debug("listener queue full, dropping message")
		}
	}
	return sent
}

// Len returns the number of connected listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every listener, rejects new ones and waits for the
// connection goroutines to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	h.wg.Wait()
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.done)
		h.log.WithField("client", c.id).Info("listener disconnected")
	})
}

// readPump consumes control frames so pongs are processed, and notices when
// the listener goes away.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(h.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("client", c.id).Warn("websocket read error")
			}
			return
		}
	}
}

// writePump is the only writer of c.conn.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeWait))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.WithError(err).WithField("client", c.id).Warn("sending metrics")
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
