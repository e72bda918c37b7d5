package window

import "time"

// Summary aggregates the snapshots broadcast during one window.
type Summary struct {
	WindowStart       int64     `json:"window_start"`
	WindowEnd         int64     `json:"window_end"`
	Samples           int       `json:"samples"`
	AvgThroughputKbps float64   `json:"avg_throughput_kbps"`
	MinThroughputKbps float64   `json:"min_throughput_kbps"`
	MaxThroughputKbps float64   `json:"max_throughput_kbps"`
	P50ThroughputKbps float64   `json:"p50_throughput_kbps"`
	P95ThroughputKbps float64   `json:"p95_throughput_kbps"`
	AvgRTTMs          float64   `json:"avg_rtt_ms"`
	MaxRTTMs          float64   `json:"max_rtt_ms"`
	AvgJitterMs       float64   `json:"avg_jitter_ms"`
	AgentID           string    `json:"agent_id"`
	Timestamp         time.Time `json:"timestamp"`
}

// NewSummary creates a Summary stamped with the current time.
func NewSummary() *Summary {
	return &Summary{
		Timestamp: time.Now().UTC(),
	}
}
