// Package agent wires the probe, the estimator and the outputs together and
// runs them as one group of tasks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/OriD-19/dashprobe/internal/broadcast"
	"github.com/OriD-19/dashprobe/internal/config"
	"github.com/OriD-19/dashprobe/internal/estimator"
	"github.com/OriD-19/dashprobe/internal/probe"
	"github.com/OriD-19/dashprobe/internal/recorder"
	"github.com/OriD-19/dashprobe/internal/upstream"
	"github.com/OriD-19/dashprobe/internal/window"
)

const shutdownTimeout = 5 * time.Second

// Source delivers kernel events until ctx is done. *probe.Probe implements it.
type Source interface {
	Run(ctx context.Context, fn func(probe.Event)) error
}

// Agent turns a stream of TCP events into smoothed readings, pushes them to
// WebSocket listeners and rolls them up into window summaries.
type Agent struct {
	cfg    config.Config
	log    logrus.FieldLogger
	source Source

	est       *estimator.Estimator[ConnKey]
	flows     *flowCounter
	hub       *broadcast.Hub
	handler   http.Handler
	agg       *window.Aggregator
	summaries chan *window.Summary
	upstream  *upstream.Client

	sampledMu sync.Mutex
	sampledAt time.Time

	listening chan struct{}
	addr      net.Addr
}

// New builds an Agent from cfg. An empty AgentID is replaced with a random
// UUID.
func New(cfg config.Config, source Source, logger logrus.FieldLogger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}

	a := &Agent{
		cfg:       cfg,
		log:       logger.WithField("component", "agent"),
		source:    source,
		est:       estimator.New[ConnKey](cfg.Estimator()),
		flows:     newFlowCounter(),
		summaries: make(chan *window.Summary, 100),
		listening: make(chan struct{}),
	}
	a.hub = broadcast.NewHub(a.est, broadcast.Options{Logger: logger})
	a.agg = window.NewAggregator(cfg.SummaryWindow, cfg.AgentID, a.summaries)

	var save http.Handler
	if cfg.SavePath != "" {
		save = recorder.NewHandler(cfg.SavePath, logger)
	}
	a.handler = broadcast.NewMux(a.hub, a.est, save)

	if cfg.UpstreamURL != "" {
		c, err := upstream.NewClient(cfg.UpstreamURL, cfg.AgentID, upstream.Options{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		a.upstream = c
	}
	return a, nil
}

// ID returns the identifier attached to summaries.
func (a *Agent) ID() string {
	return a.cfg.AgentID
}

// Snapshot returns the last published reading.
func (a *Agent) Snapshot() estimator.Snapshot {
	return a.est.Snapshot()
}

// Handler serves the WebSocket feed and HTTP endpoints.
func (a *Agent) Handler() http.Handler {
	return a.handler
}

// Listening is closed once Run has bound ListenAddr.
func (a *Agent) Listening() <-chan struct{} {
	return a.listening
}

// Addr returns the bound listen address. It is nil until Listening is closed.
func (a *Agent) Addr() net.Addr {
	select {
	case <-a.listening:
		return a.addr
	default:
		return nil
	}
}

func (a *Agent) key(ev probe.Event) (ConnKey, uint64) {
	if a.cfg.KeyBy == config.KeyByFlow {
		return ConnKey{PID: ev.PID, Flow: ev.Flow()}, a.flows.add(ev)
	}
	return ConnKey{PID: ev.PID}, ev.BytesTotal
}

// Ingest feeds one event through the estimator and reports whether it
// produced a new reading.
func (a *Agent) Ingest(ev probe.Event) (estimator.Snapshot, bool) {
	key, total := a.key(ev)
	snap, published := a.est.Observe(key, estimator.Sample{
		CumulativeBytes: total,
		SmoothedRTT:     ev.SRTT,
		RTTVariance:     ev.RTTVar,
		ObservedAt:      ev.ObservedAt,
	})
	if published {
		a.log.WithFields(logrus.Fields{
			"conn":            key.String(),
			"flow":            ev.Flow().String(),
			"throughput_kbps": snap.ThroughputKbps,
			"rtt_ms":          snap.RTTMs,
			"jitter_ms":       snap.JitterMs,
		}).Debug("reading published")
	}
	return snap, published
}

// BroadcastOnce pushes the current reading to listeners and returns how many
// accepted it. A reading joins the current window only the first time it is
// broadcast, so idle periods do not repeat the last value into summaries.
func (a *Agent) BroadcastOnce(now time.Time) int {
	snap := a.est.Snapshot()
	if !(snap.ThroughputKbps > 0) {
		return 0
	}

	a.sampledMu.Lock()
	if snap.At.After(a.sampledAt) {
		a.sampledAt = snap.At
		a.agg.AddSample(snap)
	}
	a.sampledMu.Unlock()

	return a.hub.Broadcast(snap, now)
}

// Run starts every task and blocks until ctx is done or one of them fails.
// It returns nil after a clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.ListenAddr, err)
	}
	a.addr = ln.Addr()
	close(a.listening)

	a.log.WithFields(logrus.Fields{
		"addr":     a.addr.String(),
		"agent_id": a.cfg.AgentID,
		"key_by":   a.cfg.KeyBy,
	}).Info("agent started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.source.Run(gctx, func(ev probe.Event) { a.Ingest(ev) })
		if err != nil {
			return fmt.Errorf("event source: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.every(gctx, a.cfg.BroadcastInterval, func(now time.Time) {
			a.BroadcastOnce(now)
		})
	})

	g.Go(func() error {
		return a.every(gctx, a.cfg.SummaryWindow, func(time.Time) {
			a.agg.RotateWindow()
		})
	})

	g.Go(func() error {
		a.forwardSummaries(gctx)
		return nil
	})

	if a.cfg.IdleTimeout > 0 {
		g.Go(func() error {
			return a.every(gctx, prunePeriod(a.cfg.IdleTimeout), func(now time.Time) {
				if n := a.est.Prune(now, a.cfg.IdleTimeout); n > 0 {
					a.log.WithField("removed", n).Debug("pruned idle connections")
				}
				a.flows.prune(now, a.cfg.IdleTimeout)
			})
		})
	}

	if a.upstream != nil {
		g.Go(func() error {
			return a.upstream.Run(gctx)
		})
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.hub.Close()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	a.log.Info("agent stopped")
	return err
}

// prunePeriod checks twice per idle timeout, but never more often than once
// per millisecond.
func prunePeriod(idle time.Duration) time.Duration {
	return max(idle/2, time.Millisecond)
}

func (a *Agent) every(ctx context.Context, period time.Duration, fn func(time.Time)) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func (a *Agent) forwardSummaries(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-a.summaries:
			a.log.WithFields(logrus.Fields{
				"window_start":        s.WindowStart,
				"samples":             s.Samples,
				"avg_throughput_kbps": s.AvgThroughputKbps,
				"p95_throughput_kbps": s.P95ThroughputKbps,
				"avg_rtt_ms":          s.AvgRTTMs,
			}).Info("window summary")
			if a.upstream != nil {
				a.upstream.Send(s)
			}
		}
	}
}
