package estimator_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OriD-19/dashprobe/internal/estimator"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return t0.Add(time.Duration(seconds * float64(time.Second)))
}

// bytesFor returns the byte count that yields kbps over one second.
func bytesFor(kbps float64) uint64 {
	return uint64(kbps * 1000 / 8)
}

func TestRecordSample_ColdStart(t *testing.T) {
	tests := []struct {
		name  string
		bytes uint64
		when  time.Time
	}{
		{name: "success: zero counter", bytes: 0, when: t0},
		{name: "success: large counter", bytes: math.MaxUint64, when: t0},
		{name: "success: zero time", bytes: 1234, when: time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := estimator.New[uint32](estimator.Config{})
			require.Equal(t, estimator.StateUnseen, e.State(1))
			assert.Equal(t, float64(0), e.RecordSample(1, tt.bytes, tt.when))
			assert.Equal(t, estimator.StateWarmedUp, e.State(1))
			assert.Empty(t, e.ThroughputHistory(1))
		})
	}
}

func TestRecordSample_TwoSamples(t *testing.T) {
	e := estimator.New[string](estimator.Config{})

	require.Equal(t, float64(0), e.RecordSample("K", 1000, at(0)))
	got := e.RecordSample("K", 2000, at(1))

	assert.InDelta(t, 8.0, got, 1e-9)
	assert.Equal(t, []float64{8}, e.ThroughputHistory("K"))
	assert.Equal(t, estimator.StateSteady, e.State("K"))
}

func TestRecordSample_MedianWindow(t *testing.T) {
	e := estimator.New[int](estimator.Config{ThroughputWindow: 3})

	var total uint64
	e.RecordSample(1, total, at(0))
	for i, kbps := range []float64{10, 20, 30} {
		total += bytesFor(kbps)
		e.RecordSample(1, total, at(float64(i+1)))
	}
	require.Equal(t, []float64{10, 20, 30}, e.ThroughputHistory(1))

	total += bytesFor(15)
	got := e.RecordSample(1, total, at(4))

	assert.Equal(t, []float64{20, 30, 15}, e.ThroughputHistory(1))
	assert.Equal(t, float64(20), got)
}

func TestRecordSample_NegativeDelta(t *testing.T) {
	e := estimator.New[int](estimator.Config{})
	e.RecordSample(1, 5000, at(0))
	e.RecordSample(1, 6000, at(1))
	before := e.ThroughputHistory(1)

	got := e.RecordSample(1, 100, at(2))

	assert.Equal(t, before, e.ThroughputHistory(1))
	assert.Equal(t, uint64(100), e.Baseline(1))
	assert.InDelta(t, 8.0, got, 1e-9)

	// the next delta is measured against the new baseline
	got = e.RecordSample(1, 100+bytesFor(16), at(3))
	assert.Equal(t, []float64{8, 16}, e.ThroughputHistory(1))
	assert.Equal(t, float64(16), got)
}

func TestRecordSample_NonPositiveElapsed(t *testing.T) {
	tests := []struct {
		name string
		when time.Time
	}{
		{name: "edge case: same timestamp", when: at(1)},
		{name: "edge case: time went backwards", when: at(0.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := estimator.New[int](estimator.Config{})
			e.RecordSample(1, 0, at(0))
			e.RecordSample(1, 1000, at(1))

			got := e.RecordSample(1, 5000, tt.when)

			assert.Equal(t, []float64{8}, e.ThroughputHistory(1))
			assert.Equal(t, uint64(5000), e.Baseline(1))
			assert.InDelta(t, 8.0, got, 1e-9)
		})
	}
}

func TestRecordSample_ImplausibleThroughput(t *testing.T) {
	e := estimator.New[int](estimator.Config{MaxThroughputKbps: 100000})
	e.RecordSample(1, 0, at(0))
	e.RecordSample(1, bytesFor(500), at(1))
	before := len(e.ThroughputHistory(1))

	// 1 GB in one second is 8,000,000 kbps
	got := e.RecordSample(1, bytesFor(500)+1_000_000_000, at(2))

	assert.Len(t, e.ThroughputHistory(1), before)
	assert.Equal(t, float64(500), got)
}

func TestRecordSample_CeilingIsInclusive(t *testing.T) {
	e := estimator.New[int](estimator.Config{MaxThroughputKbps: 80})
	e.RecordSample(1, 0, at(0))
	got := e.RecordSample(1, bytesFor(80), at(1))
	assert.Equal(t, float64(80), got)
}

func TestRecordSample_ZeroDeltaIsValid(t *testing.T) {
	e := estimator.New[int](estimator.Config{})
	e.RecordSample(1, 1000, at(0))
	got := e.RecordSample(1, 1000, at(1))
	assert.Equal(t, float64(0), got)
	assert.Equal(t, []float64{0}, e.ThroughputHistory(1))
}

func TestRecordSample_NeverNegative(t *testing.T) {
	e := estimator.New[int](estimator.Config{})
	counters := []uint64{0, 10, 5, 5, 100000, 3, 3, 70000, 0, 1}
	for i, c := range counters {
		got := e.RecordSample(1, c, at(float64(i)*0.25))
		assert.GreaterOrEqual(t, got, float64(0))
		assert.False(t, math.IsNaN(got))
	}
}

func TestRecordSample_KeysAreIndependent(t *testing.T) {
	e := estimator.New[int](estimator.Config{})
	e.RecordSample(1, 0, at(0))
	e.RecordSample(1, bytesFor(40), at(1))

	assert.Equal(t, float64(0), e.RecordSample(2, 1_000_000, at(1)))
	assert.Empty(t, e.ThroughputHistory(2))
	assert.Equal(t, 2, e.Len())
}

func TestRecordRTT(t *testing.T) {
	e := estimator.New[int](estimator.Config{})

	var rtt, jitter float64
	for _, ms := range []int{5, 7, 6} {
		rtt, jitter = e.RecordRTT(1, time.Duration(ms)*time.Millisecond, 2*time.Millisecond)
	}
	assert.InDelta(t, 6.0, rtt, 1e-9)
	assert.InDelta(t, 2.0, jitter, 1e-9)
}

func TestRecordRTT_Floors(t *testing.T) {
	e := estimator.New[int](estimator.Config{})
	rtt, jitter := e.RecordRTT(1, 0, 0)
	assert.InDelta(t, 1.0, rtt, 1e-9)
	assert.InDelta(t, 0.1, jitter, 1e-9)
}

func TestRecordRTT_WindowEvictsOldest(t *testing.T) {
	e := estimator.New[int](estimator.Config{RTTWindow: 2, JitterWindow: 2})
	e.RecordRTT(1, 100*time.Millisecond, 10*time.Millisecond)
	e.RecordRTT(1, 4*time.Millisecond, 2*time.Millisecond)
	rtt, jitter := e.RecordRTT(1, 6*time.Millisecond, 4*time.Millisecond)
	assert.InDelta(t, 5.0, rtt, 1e-9)
	assert.InDelta(t, 3.0, jitter, 1e-9)
}

func TestSnapshot_ZeroBeforePublish(t *testing.T) {
	e := estimator.New[int](estimator.Config{})
	s := e.Snapshot()
	assert.True(t, s.IsZero())
	assert.Equal(t, estimator.Snapshot{}, s)
}

func TestPublishIfValid(t *testing.T) {
	e := estimator.New[int](estimator.Config{})

	published := e.PublishIfValid(800, 12, 1.5, at(1))
	want := estimator.Snapshot{ThroughputKbps: 800, RTTMs: 12, JitterMs: 1.5, At: at(1)}
	require.Equal(t, want, published)
	require.Equal(t, want, e.Snapshot())

	tests := []struct {
		name       string
		throughput float64
	}{
		{name: "edge case: zero throughput", throughput: 0},
		{name: "edge case: negative throughput", throughput: -3},
		{name: "edge case: NaN throughput", throughput: math.NaN()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := e.Snapshot()
			got := e.PublishIfValid(tt.throughput, 99, 99, at(5))
			assert.Equal(t, before, got)
			assert.Equal(t, before, e.Snapshot())
		})
	}
}

func TestObserve(t *testing.T) {
	e := estimator.New[int](estimator.Config{})

	snap, published := e.Observe(7, estimator.Sample{
		CumulativeBytes: 1000,
		SmoothedRTT:     10 * time.Millisecond,
		RTTVariance:     time.Millisecond,
		ObservedAt:      at(0),
	})
	assert.False(t, published)
	assert.True(t, snap.IsZero())

	snap, published = e.Observe(7, estimator.Sample{
		CumulativeBytes: 2000,
		SmoothedRTT:     20 * time.Millisecond,
		RTTVariance:     3 * time.Millisecond,
		ObservedAt:      at(1),
	})
	require.True(t, published)
	assert.InDelta(t, 8.0, snap.ThroughputKbps, 1e-9)
	assert.InDelta(t, 15.0, snap.RTTMs, 1e-9)
	assert.InDelta(t, 2.0, snap.JitterMs, 1e-9)
	assert.Equal(t, at(1), snap.At)
}

func TestPrune(t *testing.T) {
	e := estimator.New[int](estimator.Config{})
	e.RecordSample(1, 0, at(0))
	e.RecordSample(2, 0, at(50))

	assert.Equal(t, 0, e.Prune(at(60), 0))
	assert.Equal(t, 1, e.Prune(at(60), 30*time.Second))
	assert.Equal(t, estimator.StateUnseen, e.State(1))
	assert.Equal(t, estimator.StateWarmedUp, e.State(2))

	// a pruned key starts cold again
	assert.Equal(t, float64(0), e.RecordSample(1, 1_000_000, at(61)))
}

func TestDefaults(t *testing.T) {
	cfg := estimator.New[int](estimator.Config{}).Config()
	assert.Equal(t, estimator.DefaultThroughputWindow, cfg.ThroughputWindow)
	assert.Equal(t, estimator.DefaultRTTWindow, cfg.RTTWindow)
	assert.Equal(t, estimator.DefaultJitterWindow, cfg.JitterWindow)
	assert.Equal(t, float64(estimator.DefaultMaxThroughputKbps), cfg.MaxThroughputKbps)
	assert.Equal(t, time.Millisecond, cfg.MinRTT)
	assert.Equal(t, 100*time.Microsecond, cfg.MinJitter)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unseen", estimator.StateUnseen.String())
	assert.Equal(t, "warmed_up", estimator.StateWarmedUp.String())
	assert.Equal(t, "steady", estimator.StateSteady.String())
}

func TestEstimator_ConcurrentIngestAndRead(t *testing.T) {
	e := estimator.New[int](estimator.Config{})

	var wg sync.WaitGroup
	for key := 0; key < 8; key++ {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			var total uint64
			for i := 0; i < 200; i++ {
				total += bytesFor(float64(100 + key))
				e.Observe(key, estimator.Sample{
					CumulativeBytes: total,
					SmoothedRTT:     5 * time.Millisecond,
					RTTVariance:     time.Millisecond,
					ObservedAt:      at(float64(i)),
				})
			}
		}(key)
	}

	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			s := e.Snapshot()
			if !s.IsZero() {
				// a torn record would pair a published throughput with a zero time
				assert.False(t, s.At.IsZero())
				assert.Greater(t, s.ThroughputKbps, float64(0))
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(done)
	wg.Wait()
	assert.Equal(t, 8, e.Len())
}
