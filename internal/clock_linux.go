//go:build linux

package internal

import "golang.org/x/sys/unix"

// RealTimeOffset returns the current difference between CLOCK_REALTIME
// and CLOCK_MONOTONIC in nanoseconds. Sampled once at startup and used
// to convert event timestamps; if the machine suspends, the agent has to
// be restarted to refresh it.
func RealTimeOffset() uint64 {
	var rt, mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &rt); err != nil {
		return 0
	}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return 0
	}
	return uint64(rt.Nano() - mono.Nano())
}
