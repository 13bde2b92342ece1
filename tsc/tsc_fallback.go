//go:build !amd64

package tsc

import "time"

// bootTime anchors the portable fallback counter. Non-goal
// is multi-architecture portability of the *kernel*; this fallback
// exists only so the module builds and tests on a non-amd64
// development host, mirroring the reference implementation's own "use a documented
// default" posture when the real hardware counter isn't available.
var bootTime = time.Now()

// readTSC on non-amd64 hosts returns nanoseconds since bootTime, an
// unscaled count of 1000 per microsecond; Calibrate measures a factor
// of about 1000 from it, while the uncalibrated
// DefaultCyclesPerMicrosecond does not match it.
func readTSC() uint64 {
	return uint64(time.Since(bootTime))
}
