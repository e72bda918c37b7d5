//go:build linux

package probe

import (
	"time"

	"golang.org/x/sys/unix"
)

// monotonicOffset returns wall clock minus CLOCK_MONOTONIC, the clock
// bpf_ktime_get_ns reads.
func monotonicOffset() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return time.Duration(time.Now().UnixNano() - ts.Nano()), nil
}
