//go:build linux

package probe

//go:generate sh -c "bpftool btf dump file /sys/kernel/btf/vmlinux format c > bpf/vmlinux.h"
//go:generate clang -O2 -g -Wall -target bpf -D__TARGET_ARCH_x86 -I./bpf -c bpf/tcp_metrics.c -o bpf/tcp_metrics.o

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
)

type objects struct {
	TraceTcpSendmsg     *ebpf.Program `ebpf:"trace_tcp_sendmsg"`
	TraceTcpCleanupRbuf *ebpf.Program `ebpf:"trace_tcp_cleanup_rbuf"`
	Events              *ebpf.Map     `ebpf:"events"`
	PidBytes            *ebpf.Map     `ebpf:"pid_bytes"`
}

func (o *objects) program(d Direction) *ebpf.Program {
	if d == DirectionRecv {
		return o.TraceTcpCleanupRbuf
	}
	return o.TraceTcpSendmsg
}

func (o *objects) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{o.TraceTcpSendmsg, o.TraceTcpCleanupRbuf, o.Events, o.PidBytes} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Probe is an attached kernel program and the reader of its ring buffer.
type Probe struct {
	objs   objects
	kp     link.Link
	reader *ringbuf.Reader
	port   uint16
	log    logrus.FieldLogger

	closeOnce sync.Once
	closeErr  error
}

// Load loads the object file, attaches the kprobe for opts.Direction and
// opens the ring buffer. The caller must Close the returned Probe.
func Load(opts Options) (*Probe, error) {
	symbol, err := opts.Direction.kprobe()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "probe")

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(opts.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec %s: %w", opts.ObjectPath, err)
	}
	if v, ok := spec.Variables["target_port"]; ok {
		if err := v.Set(opts.TargetPort); err != nil {
			return nil, fmt.Errorf("setting target_port: %w", err)
		}
	}

	p := &Probe{port: opts.TargetPort, log: logger}
	if err := spec.LoadAndAssign(&p.objs, nil); err != nil {
		return nil, fmt.Errorf("loading eBPF objects: %w", err)
	}

	p.kp, err = link.Kprobe(symbol, p.objs.program(opts.Direction), nil)
	if err != nil {
		p.objs.Close()
		return nil, fmt.Errorf("attaching kprobe %s: %w", symbol, err)
	}

	p.reader, err = ringbuf.NewReader(p.objs.Events)
	if err != nil {
		p.kp.Close()
		p.objs.Close()
		return nil, fmt.Errorf("opening ringbuf reader: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"kprobe":      symbol,
		"target_port": opts.TargetPort,
	}).Info("probe attached")
	return p, nil
}

// Run reads events until ctx is done or the probe is closed, calling fn for
// every event on the target port. fn runs on the calling goroutine. Read
// failures are retried with backoff; after maxReadFailures in a row Run
// gives up and returns the last one.
func (p *Probe) Run(ctx context.Context, fn func(Event)) error {
	offset, err := monotonicOffset()
	if err != nil {
		return fmt.Errorf("reading monotonic clock: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { p.reader.Close() })
	defer stop()

	return readEvents(ctx, p.reader, offset, p.port, p.log, fn)
}

const maxReadFailures = 8

var (
	readRetryBase = 10 * time.Millisecond
	readRetryMax  = time.Second
)

type recordReader interface {
	Read() (ringbuf.Record, error)
}

func readEvents(ctx context.Context, r recordReader, offset time.Duration, port uint16, log logrus.FieldLogger, fn func(Event)) error {
	failures := 0
	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			failures++
			if failures >= maxReadFailures {
				return fmt.Errorf("reading ringbuf: %d consecutive failures: %w", failures, err)
			}
			wait := min(readRetryBase<<(failures-1), readRetryMax)
			log.WithError(err).WithField("retry_in", wait).Warn("reading ringbuf")

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		failures = 0

		ev, err := ParseEvent(record.RawSample, offset)
		if err != nil {
			log.WithError(err).Debug("dropping record")
			continue
		}
		if !ev.Matches(port) {
			continue
		}
		fn(ev)
	}
}

// Close detaches the kprobe and releases every kernel object.
func (p *Probe) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.reader.Close(), p.kp.Close(), p.objs.Close())
	})
	return p.closeErr
}
