package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// EventSize is the size of one tcp_event record emitted by the kernel program.
const EventSize = 40

// ErrShortEvent is returned when a ring buffer record is smaller than EventSize.
var ErrShortEvent = errors.New("short event record")

// Event is one TCP send or receive observed by the kernel program.
type Event struct {
	PID   uint32
	SAddr netip.Addr
	DAddr netip.Addr
	SPort uint16
	DPort uint16

	// SRTT and RTTVar are the socket's smoothed RTT and mean deviation.
	SRTT   time.Duration
	RTTVar time.Duration

	// BytesTotal is the cumulative byte count of PID since the probe attached.
	BytesTotal uint64

	// KernelTime is CLOCK_MONOTONIC at capture.
	KernelTime time.Duration
	// ObservedAt is KernelTime translated to wall clock.
	ObservedAt time.Time
}

// ParseEvent decodes a raw record. offset is added to the kernel timestamp
// to produce ObservedAt.
func ParseEvent(raw []byte, offset time.Duration) (Event, error) {
	if len(raw) < EventSize {
		return Event{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortEvent, len(raw), EventSize)
	}

	ne := binary.NativeEndian
	ev := Event{
		PID:        ne.Uint32(raw[0:4]),
		SAddr:      netip.AddrFrom4([4]byte(raw[4:8])),
		DAddr:      netip.AddrFrom4([4]byte(raw[8:12])),
		SPort:      ne.Uint16(raw[12:14]),
		DPort:      ne.Uint16(raw[14:16]),
		SRTT:       time.Duration(ne.Uint32(raw[16:20])) * time.Microsecond,
		RTTVar:     time.Duration(ne.Uint32(raw[20:24])) * time.Microsecond,
		BytesTotal: ne.Uint64(raw[24:32]),
		KernelTime: time.Duration(ne.Uint64(raw[32:40])),
	}
	ev.ObservedAt = time.Unix(0, int64(ev.KernelTime+offset))
	return ev, nil
}

// Matches reports whether either side of the connection uses port.
// Port 0 matches every event.
func (e Event) Matches(port uint16) bool {
	return port == 0 || e.SPort == port || e.DPort == port
}

// Flow returns the connection 4-tuple.
func (e Event) Flow() Flow {
	return Flow{
		Src: netip.AddrPortFrom(e.SAddr, e.SPort),
		Dst: netip.AddrPortFrom(e.DAddr, e.DPort),
	}
}

// Flow identifies one TCP connection.
type Flow struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

func (f Flow) String() string {
	return f.Src.String() + " -> " + f.Dst.String()
}
