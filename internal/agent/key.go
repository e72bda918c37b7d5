package agent

import (
	"strconv"
	"sync"
	"time"

	"github.com/OriD-19/dashprobe/internal/probe"
)

// ConnKey identifies a tracked connection. Flow is zero when keying by pid.
type ConnKey struct {
	PID  uint32
	Flow probe.Flow
}

func (k ConnKey) String() string {
	if !k.Flow.Src.IsValid() {
		return "pid " + strconv.FormatUint(uint64(k.PID), 10)
	}
	return "pid " + strconv.FormatUint(uint64(k.PID), 10) + " " + k.Flow.String()
}

// flowCounter splits the kernel's per-pid byte totals into per-flow totals.
// Each growth of a pid's total is credited to the flow of the event that
// reported it.
type flowCounter struct {
	mu    sync.Mutex
	pids  map[uint32]*counter
	flows map[probe.Flow]*counter
}

type counter struct {
	total uint64
	seen  time.Time
}

func newFlowCounter() *flowCounter {
	return &flowCounter{
		pids:  make(map[uint32]*counter),
		flows: make(map[probe.Flow]*counter),
	}
}

// add records ev and returns the cumulative bytes of its flow.
func (f *flowCounter) add(ev probe.Event) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	flow := ev.Flow()
	fc, ok := f.flows[flow]
	if !ok {
		fc = &counter{}
		f.flows[flow] = fc
	}
	fc.seen = ev.ObservedAt

	pc, ok := f.pids[ev.PID]
	if !ok {
		// the first event of a pid only records its baseline; the bytes
		// the pid sent before it was first seen are credited to no flow
		f.pids[ev.PID] = &counter{total: ev.BytesTotal, seen: ev.ObservedAt}
		return fc.total
	}
	// a smaller total means the kernel entry was evicted and restarted
	if ev.BytesTotal >= pc.total {
		fc.total += ev.BytesTotal - pc.total
	}
	pc.total = ev.BytesTotal
	pc.seen = ev.ObservedAt
	return fc.total
}

func (f *flowCounter) prune(now time.Time, idle time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for flow, c := range f.flows {
		if now.Sub(c.seen) > idle {
			delete(f.flows, flow)
		}
	}
	for pid, c := range f.pids {
		if now.Sub(c.seen) > idle {
			delete(f.pids, pid)
		}
	}
}

func (f *flowCounter) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flows)
}
