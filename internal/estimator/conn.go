package estimator

import (
	"sync"
	"time"

	"github.com/OriD-19/dashprobe/internal/ring"
	"github.com/OriD-19/dashprobe/internal/stats"
)

// State is the lifecycle of a connection inside the estimator.
type State int

const (
	// StateUnseen means no sample has arrived for the key.
	StateUnseen State = iota
	// StateWarmedUp means the baseline is set but no history exists yet.
	StateWarmedUp
	// StateSteady means at least one throughput reading is in the history.
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateWarmedUp:
		return "warmed_up"
	case StateSteady:
		return "steady"
	}
	return "unknown"
}

// conn is the accumulator of one connection key.
type conn struct {
	mu sync.Mutex

	throughput *ring.Ring[float64]
	rtt        *ring.Ring[float64]
	jitter     *ring.Ring[float64]

	baselineSet bool
	lastBytes   uint64
	lastAt      time.Time
}

func newConn(cfg Config) *conn {
	return &conn{
		throughput: ring.New[float64](cfg.ThroughputWindow),
		rtt:        ring.New[float64](cfg.RTTWindow),
		jitter:     ring.New[float64](cfg.JitterWindow),
	}
}

func (c *conn) recordSample(cfg Config, cumulativeBytes uint64, observedAt time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.baselineSet {
		c.baselineSet = true
		c.lastBytes = cumulativeBytes
		c.lastAt = observedAt
		return 0
	}

	elapsed := observedAt.Sub(c.lastAt).Seconds()
	if elapsed > 0 && cumulativeBytes >= c.lastBytes {
		delta := cumulativeBytes - c.lastBytes
		kbps := float64(delta) * 8 / elapsed / 1000
		if kbps >= 0 && kbps <= cfg.MaxThroughputKbps {
			c.throughput.Push(kbps)
		}
	}

	c.lastBytes = cumulativeBytes
	c.lastAt = observedAt

	smoothed := stats.Median(c.throughput.Values())
	if smoothed < 0 {
		return 0
	}
	return smoothed
}

func (c *conn) recordRTT(cfg Config, smoothedRTT, rttVariance time.Duration) (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if smoothedRTT < cfg.MinRTT {
		smoothedRTT = cfg.MinRTT
	}
	if rttVariance < cfg.MinJitter {
		rttVariance = cfg.MinJitter
	}
	c.rtt.Push(durationMs(smoothedRTT))
	c.jitter.Push(durationMs(rttVariance))

	return stats.Mean(c.rtt.Values()), stats.Mean(c.jitter.Values())
}

func (c *conn) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.baselineSet:
		return StateUnseen
	case c.throughput.Len() == 0:
		return StateWarmedUp
	}
	return StateSteady
}

func (c *conn) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAt
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
