// Package upstream forwards window summaries to a remote collector over a
// WebSocket connection.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/OriD-19/dashprobe/internal/window"
)

// ErrInvalidURL is returned by NewClient for URLs that are not ws:// or wss://.
var ErrInvalidURL = errors.New("invalid upstream url")

// Options tunes a Client. Zero fields take the defaults of NewClient.
type Options struct {
	QueueSize      int
	ReconnectDelay time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	Logger         logrus.FieldLogger
}

// Client keeps a connection to the collector open and writes summaries to
// it. Summaries queued while disconnected are sent after the next connect;
// a full queue drops new ones.
type Client struct {
	serverURL string
	agentID   string
	log       logrus.FieldLogger

	send           chan *window.Summary
	connected      atomic.Bool
	reconnectDelay time.Duration
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
}

// NewClient creates a Client for serverURL. Nothing is dialed until Run.
func NewClient(serverURL, agentID string, opts Options) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}

	c := &Client{
		serverURL:      u.String(),
		agentID:        agentID,
		log:            opts.Logger,
		reconnectDelay: opts.ReconnectDelay,
		maxMessageSize: 512,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithFields(logrus.Fields{"component": "upstream", "url": c.serverURL})
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	c.send = make(chan *window.Summary, opts.QueueSize)
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = 5 * time.Second
	}
	if c.writeWait <= 0 {
		c.writeWait = 10 * time.Second
	}
	if c.pongWait <= 0 {
		c.pongWait = 60 * time.Second
	}
	if c.pingPeriod <= 0 || c.pingPeriod >= c.pongWait {
		c.pingPeriod = c.pongWait * 9 / 10
	}
	return c, nil
}

// IsConnected reports whether a connection is currently open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Send queues s without blocking and reports whether it was accepted.
// An empty AgentID is filled in with the client's.
func (c *Client) Send(s *window.Summary) bool {
	if s == nil {
		return false
	}
	if s.AgentID == "" {
		s.AgentID = c.agentID
	}
	select {
	case c.send <- s:
		return true
	default:
		c.log.Warn("send queue full, dropping summary")
		return false
	}
}

// Run connects to the collector and forwards queued summaries until ctx is
// done, reconnecting after every failure. It returns nil once ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).WithField("retry_in", c.reconnectDelay).Warn("upstream connection lost")

		t := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("connected to collector")

	readDone := make(chan error, 1)
	go func() {
		readDone <- c.readPump(conn)
	}()

	err = c.writePump(ctx, conn, readDone)
	conn.Close()
	if err == nil {
		<-readDone
	}
	return err
}

// readPump consumes acknowledgements and pongs until the connection fails.
func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(c.maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading: %w", err)
		}
		c.log.WithField("ack", string(msg)).Debug("collector acknowledged summary")
	}
}

// writePump is the only writer of conn. It returns nil when ctx is done and
// the read error when the reader stops first.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, readDone <-chan error) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return nil
		case err := <-readDone:
			return err
		case s := <-c.send:
			data, err := json.Marshal(s)
			if err != nil {
				c.log.WithError(err).Error("encoding summary")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.waitReader(conn, readDone)
				return fmt.Errorf("sending summary: %w", err)
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.waitReader(conn, readDone)
				return fmt.Errorf("sending ping: %w", err)
			}
		}
	}
}

func (c *Client) waitReader(conn *websocket.Conn, readDone <-chan error) {
	conn.Close()
	<-readDone
}
