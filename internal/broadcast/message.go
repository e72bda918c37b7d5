package broadcast

import (
	"time"

	"github.com/OriD-19/dashprobe/internal/estimator"
	"github.com/OriD-19/dashprobe/internal/stats"
)

// Message is the JSON payload pushed to listeners.
type Message struct {
	ThroughputKbps float64 `json:"throughput_kbps"`
	RTTMs          float64 `json:"rtt_ms"`
	JitterMs       float64 `json:"jitter_ms"`
	// Timestamp is Unix seconds.
	Timestamp float64 `json:"timestamp"`
}

// NewMessage converts s into its wire form stamped with ts. Metric fields
// are rounded to two decimals. A zero ts yields a zero timestamp.
func NewMessage(s estimator.Snapshot, ts time.Time) Message {
	m := Message{
		ThroughputKbps: stats.Round2(s.ThroughputKbps),
		RTTMs:          stats.Round2(s.RTTMs),
		JitterMs:       stats.Round2(s.JitterMs),
	}
	if !ts.IsZero() {
		m.Timestamp = float64(ts.UnixNano()) / float64(time.Second)
	}
	return m
}
