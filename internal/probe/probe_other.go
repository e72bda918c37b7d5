//go:build !linux

package probe

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by Load on platforms without eBPF kprobes.
var ErrUnsupported = errors.New("eBPF probes require linux")

// Probe is unavailable on this platform.
type Probe struct{}

// Load always fails with ErrUnsupported.
func Load(opts Options) (*Probe, error) {
	if _, err := opts.Direction.kprobe(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

// Run returns ErrUnsupported.
func (p *Probe) Run(ctx context.Context, fn func(Event)) error {
	return ErrUnsupported
}

// Close is a no-op.
func (p *Probe) Close() error {
	return nil
}
