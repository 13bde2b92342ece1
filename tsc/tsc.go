// Package tsc is the timestamp source: a monotonic cycle counter plus
// calibration to a cycles-per-microsecond factor. Grounded on the
// reference kernel's nanotime.go (hardware-counter read + frequency
// calibration with a documented fallback frequency) and timer_qemu.go
// (thin assembly-backed register reads), adapted from AArch64's
// CNTVCT_EL0/CNTFRQ_EL0 to x86_64's RDTSC.
package tsc

import "time"

// DefaultCyclesPerMicrosecond is the nominal frequency used when no
// independent timer is available to calibrate against, matching
// nanotime.go's own "use a documented default" fallback (it defaults
// to 62.5 MHz when CNTFRQ_EL0 reads zero).
const DefaultCyclesPerMicrosecond = 2000

// Clock reads a monotonically non-decreasing cycle count. It never
// fails and the counter never wraps during a boot.
type Clock interface {
	Now() uint64
}

// HardwareClock reads the real TSC via readTSC (amd64) or a portable
// fallback on other architectures (tsc_fallback.go).
type HardwareClock struct {
	cyclesPerMicrosecond uint64
}

// NewHardwareClock returns a Clock calibrated to the default
// cycles-per-microsecond factor. Call Calibrate to refine it against
// an independent reference.
func NewHardwareClock() *HardwareClock {
	return &HardwareClock{cyclesPerMicrosecond: DefaultCyclesPerMicrosecond}
}

// Now returns the current cycle count.
func (c *HardwareClock) Now() uint64 { return readTSC() }

// CyclesPerMicrosecond returns the last-calibrated conversion factor.
func (c *HardwareClock) CyclesPerMicrosecond() uint64 { return c.cyclesPerMicrosecond }

// ToMicros converts an elapsed cycle count to microseconds using the
// calibrated factor.
func (c *HardwareClock) ToMicros(cycles uint64) uint64 {
	if c.cyclesPerMicrosecond == 0 {
		return 0
	}
	return cycles / c.cyclesPerMicrosecond
}

// Calibrate measures the clock against an independent reference
// (typically a platform timer such as a PIT/HPET; on a hosted build,
// Go's own monotonic clock) over the given duration and updates the
// cycles-per-microsecond factor. Calibration is performed once at
// init; calling it again simply re-measures.
func (c *HardwareClock) Calibrate(reference time.Duration) {
	if reference <= 0 {
		c.cyclesPerMicrosecond = DefaultCyclesPerMicrosecond
		return
	}
	start := c.Now()
	time.Sleep(reference)
	end := c.Now()

	elapsedCycles := end - start
	elapsedMicros := uint64(reference / time.Microsecond)
	if elapsedMicros == 0 {
		return
	}
	factor := elapsedCycles / elapsedMicros
	if factor == 0 {
		factor = DefaultCyclesPerMicrosecond
	}
	c.cyclesPerMicrosecond = factor
}
