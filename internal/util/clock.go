package util

import "time"

// NanoClock returns monotonic nanoseconds. Timeout arithmetic in the driver is
// always relative to values from the same clock instance.
type NanoClock func() int64

// EpochClock returns wall-clock milliseconds since the Unix epoch.
type EpochClock func() int64

// SystemNanoClock is the default monotonic clock.
func SystemNanoClock() int64 {
	return int64(time.Since(processStart)) + startNanos
}

// SystemEpochClock is the default wall clock.
func SystemEpochClock() int64 {
	return time.Now().UnixMilli()
}

var (
	processStart = time.Now()
	startNanos   = processStart.UnixNano()
)
