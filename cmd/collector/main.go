// Command collector receives window summaries from dashprobe agents over
// WebSocket and logs them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/OriD-19/dashprobe/internal/logging"
	"github.com/OriD-19/dashprobe/internal/window"
)

type ack struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type collector struct {
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

func newCollector(log logrus.FieldLogger) *collector {
	return &collector{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := c.log.WithField("remote", conn.RemoteAddr().String())
	log.Info("agent connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("read error")
			}
			break
		}

		var s window.Summary
		if err := json.Unmarshal(message, &s); err != nil {
			log.WithField("raw", string(message)).Warn("unrecognized message")
		} else {
			log.WithFields(logrus.Fields{
				"agent_id":            s.AgentID,
				"window_start":        time.Unix(0, s.WindowStart).UTC().Format(time.RFC3339),
				"window_end":          time.Unix(0, s.WindowEnd).UTC().Format(time.RFC3339),
				"samples":             s.Samples,
				"avg_throughput_kbps": s.AvgThroughputKbps,
				"min_throughput_kbps": s.MinThroughputKbps,
				"max_throughput_kbps": s.MaxThroughputKbps,
				"p50_throughput_kbps": s.P50ThroughputKbps,
				"p95_throughput_kbps": s.P95ThroughputKbps,
				"avg_rtt_ms":          s.AvgRTTMs,
				"max_rtt_ms":          s.MaxRTTMs,
				"avg_jitter_ms":       s.AvgJitterMs,
			}).Info("window summary received")
		}

		if err := conn.WriteJSON(ack{Status: "received", Timestamp: time.Now().Format(time.RFC3339)}); err != nil {
			log.WithError(err).Warn("write error")
			break
		}
	}

	log.Info("agent disconnected")
}

func main() {
	listen := flag.String("listen", ":8080", "listen address")
	path := flag.String("path", "/monitoring", "WebSocket endpoint path")
	logLevel := flag.String("log-level", "info", "trace, debug, info, warn or error")
	logFormat := flag.String("log-format", "text", "text or json")
	flag.Parse()

	log, err := logging.Setup(*logLevel, *logFormat)
	if err != nil {
		logrus.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.Handle(*path, newCollector(log.WithField("component", "collector")))
	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", *listen).Infof("collector listening on ws://localhost%s%s", *listen, *path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server error")
	}
}
