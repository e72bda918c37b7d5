// Package estimator turns raw per-connection byte counters and RTT readings,
// sampled at irregular intervals, into smoothed throughput, RTT and jitter
// values suitable for live display.
//
// Throughput is smoothed with the median of a short history so single
// counter spikes do not reach consumers. RTT and jitter are already smoothed
// by the TCP stack and are averaged instead. Anomalous input is absorbed:
// no operation in this package returns an error.
package estimator

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default tuning values.
const (
	DefaultThroughputWindow  = 3
	DefaultRTTWindow         = 5
	DefaultJitterWindow      = 5
	DefaultMaxThroughputKbps = 100000
	DefaultMinRTT            = time.Millisecond
	DefaultMinJitter         = 100 * time.Microsecond
)

// Config tunes an Estimator. Zero fields fall back to the defaults above.
type Config struct {
	// ThroughputWindow is the number of throughput readings the median is taken over.
	ThroughputWindow int
	// RTTWindow is the number of RTT readings averaged.
	RTTWindow int
	// JitterWindow is the number of RTT variance readings averaged.
	JitterWindow int
	// MaxThroughputKbps is the implausibility ceiling. Readings above it are dropped.
	MaxThroughputKbps float64
	// MinRTT floors incoming smoothed RTT values.
	MinRTT time.Duration
	// MinJitter floors incoming RTT variance values.
	MinJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ThroughputWindow <= 0 {
		c.ThroughputWindow = DefaultThroughputWindow
	}
	if c.RTTWindow <= 0 {
		c.RTTWindow = DefaultRTTWindow
	}
	if c.JitterWindow <= 0 {
		c.JitterWindow = DefaultJitterWindow
	}
	if c.MaxThroughputKbps <= 0 {
		c.MaxThroughputKbps = DefaultMaxThroughputKbps
	}
	if c.MinRTT <= 0 {
		c.MinRTT = DefaultMinRTT
	}
	if c.MinJitter <= 0 {
		c.MinJitter = DefaultMinJitter
	}
	return c
}

// Snapshot is the most recently published smoothed reading.
// The zero value means no valid data has been published yet.
type Snapshot struct {
	ThroughputKbps float64
	RTTMs          float64
	JitterMs       float64
	At             time.Time
}

// IsZero reports whether s carries no data.
func (s Snapshot) IsZero() bool {
	return s.ThroughputKbps == 0 && s.RTTMs == 0 && s.JitterMs == 0 && s.At.IsZero()
}

// Sample is one raw observation for a connection.
type Sample struct {
	CumulativeBytes uint64
	SmoothedRTT     time.Duration
	RTTVariance     time.Duration
	ObservedAt      time.Time
}

// Estimator keeps per-connection histories keyed by K and the shared snapshot.
// It is safe for concurrent use. Samples for a single key are expected to
// arrive from one goroutine in non-decreasing time order.
type Estimator[K comparable] struct {
	cfg Config

	mu    sync.RWMutex
	conns map[K]*conn

	snapshot atomic.Pointer[Snapshot]
}

// New creates an Estimator.
func New[K comparable](cfg Config) *Estimator[K] {
	e := &Estimator[K]{
		cfg:   cfg.withDefaults(),
		conns: make(map[K]*conn),
	}
	e.snapshot.Store(&Snapshot{})
	return e
}

// Config returns the effective configuration.
func (e *Estimator[K]) Config() Config {
	return e.cfg
}

func (e *Estimator[K]) lookup(key K) (*conn, bool) {
	e.mu.RLock()
	c, ok := e.conns[key]
	e.mu.RUnlock()
	if ok {
		return c, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok = e.conns[key]; ok {
		return c, false
	}
	c = newConn(e.cfg)
	e.conns[key] = c
	return c, true
}

// RecordSample feeds the cumulative byte counter of key observed at
// observedAt and returns the smoothed throughput in kbps.
//
// The first sample of a key only establishes the baseline and returns 0.
// A sample whose counter went backwards or whose time did not advance
// updates the baseline without touching the history.
func (e *Estimator[K]) RecordSample(key K, cumulativeBytes uint64, observedAt time.Time) float64 {
	c, _ := e.lookup(key)
	return c.recordSample(e.cfg, cumulativeBytes, observedAt)
}

// RecordRTT feeds the latest smoothed RTT and RTT variance of key and returns
// the averaged RTT and jitter in milliseconds.
func (e *Estimator[K]) RecordRTT(key K, smoothedRTT, rttVariance time.Duration) (rttMs, jitterMs float64) {
	c, _ := e.lookup(key)
	return c.recordRTT(e.cfg, smoothedRTT, rttVariance)
}

// PublishIfValid replaces the shared snapshot when throughputKbps is positive
// and returns the snapshot in effect after the call.
func (e *Estimator[K]) PublishIfValid(throughputKbps, rttMs, jitterMs float64, now time.Time) Snapshot {
	if !(throughputKbps > 0) {
		return *e.snapshot.Load()
	}
	s := &Snapshot{
		ThroughputKbps: throughputKbps,
		RTTMs:          rttMs,
		JitterMs:       jitterMs,
		At:             now,
	}
	e.snapshot.Store(s)
	return *s
}

// Snapshot returns the current shared snapshot.
func (e *Estimator[K]) Snapshot() Snapshot {
	return *e.snapshot.Load()
}

// Observe runs one sample through the ingestion path: throughput, then RTT
// and jitter, then publication. published reports whether the snapshot was
// replaced.
func (e *Estimator[K]) Observe(key K, s Sample) (snap Snapshot, published bool) {
	throughput := e.RecordSample(key, s.CumulativeBytes, s.ObservedAt)
	rtt, jitter := e.RecordRTT(key, s.SmoothedRTT, s.RTTVariance)
	snap = e.PublishIfValid(throughput, rtt, jitter, s.ObservedAt)
	return snap, throughput > 0
}

// State reports the lifecycle state of key.
func (e *Estimator[K]) State(key K) State {
	e.mu.RLock()
	c, ok := e.conns[key]
	e.mu.RUnlock()
	if !ok {
		return StateUnseen
	}
	return c.state()
}

// Len returns the number of tracked connections.
func (e *Estimator[K]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Prune forgets connections whose last sample is older than idle relative to
// now and returns how many were removed. A forgotten connection starts cold
// again on its next sample.
func (e *Estimator[K]) Prune(now time.Time, idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, c := range e.conns {
		if now.Sub(c.lastSeen()) > idle {
			delete(e.conns, key)
			removed++
		}
	}
	return removed
}
