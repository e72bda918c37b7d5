package agent

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/OriD-19/dashprobe/internal/probe"
)

func TestFlowCounter(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := func(port uint16, total uint64, at time.Duration) probe.Event {
		return probe.Event{
			PID:        9,
			SAddr:      netip.MustParseAddr("10.0.0.1"),
			DAddr:      netip.MustParseAddr("10.0.0.2"),
			SPort:      8000,
			DPort:      port,
			BytesTotal: total,
			ObservedAt: t0.Add(at),
		}
	}

	f := newFlowCounter()
	// a new pid credits nothing to its flow, whatever its total
	assert.Equal(t, uint64(0), f.add(ev(1, 100, 0)))
	assert.Equal(t, uint64(50), f.add(ev(1, 150, time.Second)))
	assert.Equal(t, uint64(30), f.add(ev(2, 180, 2*time.Second)))

	// the kernel restarted the pid counter
	assert.Equal(t, uint64(50), f.add(ev(1, 10, 3*time.Second)))
	assert.Equal(t, uint64(60), f.add(ev(1, 20, 4*time.Second)))
	assert.Equal(t, 2, f.len())

	f.prune(t0.Add(4*time.Second), 1500*time.Millisecond)
	assert.Equal(t, 1, f.len())
	f.prune(t0.Add(time.Hour), time.Minute)
	assert.Equal(t, 0, f.len())
}

func TestFlowCounter_NewPIDOnKnownFlow(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	flowEv := func(pid uint32, total uint64) probe.Event {
		return probe.Event{
			PID:        pid,
			SAddr:      netip.MustParseAddr("10.0.0.1"),
			DAddr:      netip.MustParseAddr("10.0.0.2"),
			SPort:      8000,
			DPort:      50000,
			BytesTotal: total,
			ObservedAt: t0,
		}
	}

	f := newFlowCounter()
	f.add(flowEv(1, 0))
	assert.Equal(t, uint64(400), f.add(flowEv(1, 400)))
	// pid 2 appears on the same flow: its 900 prior bytes are not credited
	assert.Equal(t, uint64(400), f.add(flowEv(2, 900)))
	assert.Equal(t, uint64(500), f.add(flowEv(2, 1000)))
}

func TestConnKey_String(t *testing.T) {
	assert.Equal(t, "pid 12", ConnKey{PID: 12}.String())

	ev := probe.Event{
		PID:   12,
		SAddr: netip.MustParseAddr("10.0.0.1"),
		DAddr: netip.MustParseAddr("10.0.0.2"),
		SPort: 8000,
		DPort: 50000,
	}
	assert.Equal(t, "pid 12 10.0.0.1:8000 -> 10.0.0.2:50000", ConnKey{PID: 12, Flow: ev.Flow()}.String())
}
