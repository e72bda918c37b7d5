// Package config holds the agent configuration. Values come from defaults,
// then an optional YAML file, then command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OriD-19/dashprobe/internal/estimator"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// KeyBy selects how samples are grouped into connections.
type KeyBy string

const (
	// KeyByPID groups every socket of a process together.
	KeyByPID KeyBy = "pid"
	// KeyByFlow tracks each TCP 4-tuple separately.
	KeyByFlow KeyBy = "flow"
)

// Config is the full agent configuration.
type Config struct {
	// ListenAddr serves the WebSocket feed and the HTTP endpoints.
	ListenAddr string `yaml:"listen_addr"`
	// TargetPort is the DASH server port the probe filters on. 0 disables the filter.
	TargetPort uint16 `yaml:"target_port"`
	// Direction is "send" (tcp_sendmsg) or "recv" (tcp_cleanup_rbuf).
	Direction string `yaml:"direction"`
	// KeyBy is "pid" or "flow".
	KeyBy KeyBy `yaml:"key_by"`
	// ObjectPath is the compiled eBPF object.
	ObjectPath string `yaml:"object_path"`

	ThroughputWindow  int           `yaml:"throughput_window"`
	RTTWindow         int           `yaml:"rtt_window"`
	JitterWindow      int           `yaml:"jitter_window"`
	MaxThroughputKbps float64       `yaml:"max_throughput_kbps"`
	MinRTT            time.Duration `yaml:"min_rtt"`
	MinJitter         time.Duration `yaml:"min_jitter"`

	// BroadcastInterval is how often the snapshot is pushed to listeners.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	// SummaryWindow is the length of one roll-up window.
	SummaryWindow time.Duration `yaml:"summary_window"`
	// IdleTimeout forgets connections without samples for this long. 0 keeps them forever.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SavePath is where POST /save_metrics writes session JSON. Empty disables the endpoint.
	SavePath string `yaml:"save_path"`
	// UpstreamURL receives window summaries over WebSocket. Empty disables forwarding.
	UpstreamURL string `yaml:"upstream_url"`
	// AgentID tags summaries. A random UUID is used when empty.
	AgentID string `yaml:"agent_id"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:        ":5000",
		TargetPort:        8000,
		Direction:         "send",
		KeyBy:             KeyByPID,
		ObjectPath:        "internal/probe/bpf/tcp_metrics.o",
		ThroughputWindow:  estimator.DefaultThroughputWindow,
		RTTWindow:         estimator.DefaultRTTWindow,
		JitterWindow:      estimator.DefaultJitterWindow,
		MaxThroughputKbps: estimator.DefaultMaxThroughputKbps,
		MinRTT:            estimator.DefaultMinRTT,
		MinJitter:         estimator.DefaultMinJitter,
		BroadcastInterval: time.Second,
		SummaryWindow:     10 * time.Second,
		SavePath:          "session_metrics.json",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the file
// keep their current value.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// RegisterFlags binds every field to fs using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address serving the WebSocket feed and HTTP endpoints")
	fs.Func("target-port", fmt.Sprintf("DASH server port to monitor, 0 for all (default %d)", c.TargetPort), func(s string) error {
		port, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return fmt.Errorf("bad port %q", s)
		}
		c.TargetPort = uint16(port)
		return nil
	})
	fs.StringVar(&c.Direction, "direction", c.Direction, "traffic direction to probe: send or recv")
	fs.Func("key-by", fmt.Sprintf("connection grouping: pid or flow (default %s)", c.KeyBy), func(s string) error {
		c.KeyBy = KeyBy(s)
		return nil
	})
	fs.StringVar(&c.ObjectPath, "bpf-object", c.ObjectPath, "path to the compiled eBPF object")

	fs.IntVar(&c.ThroughputWindow, "throughput-window", c.ThroughputWindow, "throughput readings the median is taken over")
	fs.IntVar(&c.RTTWindow, "rtt-window", c.RTTWindow, "RTT readings averaged")
	fs.IntVar(&c.JitterWindow, "jitter-window", c.JitterWindow, "jitter readings averaged")
	fs.Float64Var(&c.MaxThroughputKbps, "max-throughput-kbps", c.MaxThroughputKbps, "readings above this are treated as noise")
	fs.DurationVar(&c.MinRTT, "min-rtt", c.MinRTT, "floor for RTT samples")
	fs.DurationVar(&c.MinJitter, "min-jitter", c.MinJitter, "floor for jitter samples")

	fs.DurationVar(&c.BroadcastInterval, "broadcast-interval", c.BroadcastInterval, "snapshot broadcast period")
	fs.DurationVar(&c.SummaryWindow, "summary-window", c.SummaryWindow, "roll-up window length")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "forget idle connections after this long, 0 to keep forever")

	fs.StringVar(&c.SavePath, "save-path", c.SavePath, "file written by POST /save_metrics, empty to disable")
	fs.StringVar(&c.UpstreamURL, "upstream", c.UpstreamURL, "collector WebSocket URL for window summaries")
	fs.StringVar(&c.AgentID, "agent-id", c.AgentID, "identifier attached to summaries")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalidConfig)
	case c.Direction != "send" && c.Direction != "recv":
		return fmt.Errorf("%w: direction must be send or recv, got %q", ErrInvalidConfig, c.Direction)
	case c.KeyBy != KeyByPID && c.KeyBy != KeyByFlow:
		return fmt.Errorf("%w: key_by must be pid or flow, got %q", ErrInvalidConfig, c.KeyBy)
	case c.ObjectPath == "":
		return fmt.Errorf("%w: object_path is empty", ErrInvalidConfig)
	case c.ThroughputWindow < 1 || c.RTTWindow < 1 || c.JitterWindow < 1:
		return fmt.Errorf("%w: history windows must be at least 1", ErrInvalidConfig)
	case c.MaxThroughputKbps <= 0:
		return fmt.Errorf("%w: max_throughput_kbps must be positive", ErrInvalidConfig)
	case c.MinRTT <= 0 || c.MinJitter <= 0:
		return fmt.Errorf("%w: min_rtt and min_jitter must be positive", ErrInvalidConfig)
	case c.BroadcastInterval <= 0:
		return fmt.Errorf("%w: broadcast_interval must be positive", ErrInvalidConfig)
	case c.SummaryWindow <= 0:
		return fmt.Errorf("%w: summary_window must be positive", ErrInvalidConfig)
	case c.IdleTimeout < 0:
		return fmt.Errorf("%w: idle_timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Estimator returns the estimator tuning part of c.
func (c Config) Estimator() estimator.Config {
	return estimator.Config{
		ThroughputWindow:  c.ThroughputWindow,
		RTTWindow:         c.RTTWindow,
		JitterWindow:      c.JitterWindow,
		MaxThroughputKbps: c.MaxThroughputKbps,
		MinRTT:            c.MinRTT,
		MinJitter:         c.MinJitter,
	}
}
