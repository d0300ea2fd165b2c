package mailbus

import (
	"time"
)

// bootTime anchors the monotonic clock. Every timestamp in the package
// (ring records, trace bins, emitter lines) is a duration since bootTime,
// the hosted equivalent of the kernel's local_clock().
var bootTime = time.Now()

// Clock returns a monotonic timestamp.
type Clock func() time.Duration

func monotonicNow() time.Duration {
	return time.Since(bootTime)
}

// splitStamp breaks a timestamp into whole seconds and milliseconds for the
// " %5d.%03d" renderings used by the debug files.
func splitStamp(d time.Duration) (uint64, uint64) {
	ns := uint64(d)
	return ns / uint64(time.Second), (ns % uint64(time.Second)) / uint64(time.Millisecond)
}
