//go:build amd64

package tsc

// readTSC reads the processor's timestamp counter via the RDTSC
// instruction; implemented in tsc_amd64.s.
func readTSC() uint64
