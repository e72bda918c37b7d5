// Package probe loads the TCP metrics eBPF program, attaches it to a kernel
// function and streams decoded events to user space.
//
// The kernel side lives in bpf/tcp_metrics.c and is compiled with
// go generate. Each event carries the process id, the IPv4 4-tuple, the
// socket's smoothed RTT and RTT deviation and the cumulative byte count of
// the process.
package probe
