// Package window rolls published snapshots up into fixed time windows.
package window

import (
	"math"
	"sync"
	"time"

	"github.com/OriD-19/dashprobe/internal/estimator"
	"github.com/OriD-19/dashprobe/internal/stats"
)

// Aggregator manages time-based windowing of published snapshots.
type Aggregator struct {
	mutex          sync.RWMutex
	throughput     []float64
	rtt            []float64
	jitter         []float64
	windowStart    int64
	windowDuration time.Duration
	summaries      chan *Summary
	agentID        string
	maxSamples     int
}

// NewAggregator creates an Aggregator whose first window is aligned to a
// multiple of windowDuration. Summaries are delivered on summaries.
func NewAggregator(windowDuration time.Duration, agentID string, summaries chan *Summary) *Aggregator {
	now := time.Now().UnixNano()
	alignedStart := (now / int64(windowDuration)) * int64(windowDuration)

	return &Aggregator{
		windowStart:    alignedStart,
		windowDuration: windowDuration,
		summaries:      summaries,
		agentID:        agentID,
		maxSamples:     1000,
	}
}

// AddSample adds a snapshot to the current window. Snapshots without
// throughput are ignored.
func (a *Aggregator) AddSample(s estimator.Snapshot) {
	if !(s.ThroughputKbps > 0) {
		return
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.throughput = append(a.throughput, s.ThroughputKbps)
	a.rtt = append(a.rtt, s.RTTMs)
	a.jitter = append(a.jitter, s.JitterMs)

	if len(a.throughput) >= a.maxSamples {
		half := len(a.throughput) / 2
		a.throughput = a.throughput[half:]
		a.rtt = a.rtt[half:]
		a.jitter = a.jitter[half:]
	}
}

// RotateWindow closes the current window and emits its summary. Empty
// windows emit nothing. The send never blocks; a full channel drops the
// summary and RotateWindow returns false.
func (a *Aggregator) RotateWindow() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.throughput) == 0 {
		a.windowStart += int64(a.windowDuration)
		return false
	}

	summary := a.calculateSummary()
	a.throughput, a.rtt, a.jitter = nil, nil, nil
	a.windowStart += int64(a.windowDuration)

	select {
	case a.summaries <- summary:
		return true
	default:
		return false
	}
}

func (a *Aggregator) calculateSummary() *Summary {
	s := NewSummary()
	s.WindowStart = a.windowStart
	s.WindowEnd = a.windowStart + int64(a.windowDuration)
	s.Samples = len(a.throughput)
	s.AgentID = a.agentID

	minT, maxT := math.Inf(1), 0.0
	for _, v := range a.throughput {
		minT = math.Min(minT, v)
		maxT = math.Max(maxT, v)
	}
	maxRTT := 0.0
	for _, v := range a.rtt {
		maxRTT = math.Max(maxRTT, v)
	}

	p := stats.Percentiles(a.throughput, 50, 95)
	s.AvgThroughputKbps = stats.Round2(stats.Mean(a.throughput))
	s.MinThroughputKbps = stats.Round2(minT)
	s.MaxThroughputKbps = stats.Round2(maxT)
	s.P50ThroughputKbps = stats.Round2(p[50])
	s.P95ThroughputKbps = stats.Round2(p[95])
	s.AvgRTTMs = stats.Round2(stats.Mean(a.rtt))
	s.MaxRTTMs = stats.Round2(maxRTT)
	s.AvgJitterMs = stats.Round2(stats.Mean(a.jitter))
	return s
}

// CurrentWindowStart returns the start of the current window in Unix nanoseconds.
func (a *Aggregator) CurrentWindowStart() int64 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.windowStart
}

// SampleCount returns the number of snapshots in the current window.
func (a *Aggregator) SampleCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return len(a.throughput)
}
