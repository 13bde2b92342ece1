// Package driver is the adaptive device-driver controller: it wraps a
// Device behind a single submit entry point and picks, per a sliding
// one-second throughput window, whichever of Interrupt/Polling/Hybrid/
// Batch dispatch best matches the measured rate, reconfiguring the
// device and recording a mode-switch each time the choice changes.
// Grounded on the reference kernel's virtqueue.go/pci_qemu.go/
// virtio_rng.go device-interaction shape (a device exposes a small set
// of discrete operations the kernel drives) for the Device boundary,
// and on the logical-block-number sort key used by the pack's qcow2
// block-layer code for the batch-coalescing path.
package driver

import (
	"log"
	"sort"
	"sync"

	"exo/kerrors"
)

// maxModeSwitchLog bounds the retained mode-switch history to the
// most recent entries, for post-hoc diagnosis without unbounded growth.
const maxModeSwitchLog = 64

// Mode is a controller's current dispatch strategy.
type Mode int

const (
	Interrupt Mode = iota
	Polling
	Hybrid
	Batch
)

func (m Mode) String() string {
	switch m {
	case Interrupt:
		return "interrupt"
	case Polling:
		return "polling"
	case Hybrid:
		return "hybrid"
	case Batch:
		return "batch"
	default:
		return "unknown"
	}
}

const (
	// LowThroughputThreshold: below this ops/s, prefer Interrupt.
	LowThroughputThreshold = 1000
	// HighThroughputThreshold: above this ops/s, prefer Polling.
	HighThroughputThreshold = 10000
	// SlidingWindowMicros is the span of history used for the
	// throughput estimate.
	SlidingWindowMicros = 1_000_000
	// MaxPollCycles bounds how many times Hybrid mode polls before
	// falling back to an interrupt wait.
	MaxPollCycles = 10000
	// MaxBatchSize is the batch queue's capacity; reaching it triggers
	// an automatic flush.
	MaxBatchSize = 32
)

// Request is one unit of work submitted to a Device. BlockNumber is
// the affinity/ordering key batch mode sorts by.
type Request struct {
	BlockNumber uint64
	Payload     []byte
}

// Device is the four operations a controller may invoke. A real
// implementation talks to hardware; tests supply a fake.
type Device interface {
	WaitInterrupt() error
	PollStatus() (ready bool, err error)
	Process(req Request) error
	ProcessBatch(reqs []Request) error
}

// ModeStats accumulates per-mode counters.
type ModeStats struct {
	Operations uint64
	Cycles     uint64
	TimeUS     uint64
}

// Stats is an immutable snapshot of a controller's counters.
type Stats struct {
	PerMode         [4]ModeStats
	ModeSwitches    uint64
	TotalOperations uint64
}

// ModeSwitchEvent records one transition for post-hoc diagnosis.
type ModeSwitchEvent struct {
	From Mode
	To   Mode
	AtUS uint64
}

// clock is the minimal cycle source the controller needs for dispatch
// timing and window pruning.
type clock interface {
	Now() uint64
	ToMicros(cycles uint64) uint64
}

// AdaptiveController owns one Device and the mode-selection state
// around it.
type AdaptiveController struct {
	mu     sync.Mutex
	device Device
	clock  clock

	mode   Mode
	window []uint64 // absolute microsecond timestamps, oldest first

	stats     Stats
	switchLog []ModeSwitchEvent
	batch     []Request

	// YieldFunc, if set, is called before a blocking interrupt wait so
	// a driver running in a thread context can hand the CPU to a
	// scheduler instead of spinning on the hardware wait itself.
	YieldFunc func()
}

// NewAdaptiveController wraps device, starting in Interrupt mode.
func NewAdaptiveController(device Device, clk clock) *AdaptiveController {
	return &AdaptiveController{
		device: device,
		clock:  clk,
		mode:   Interrupt,
	}
}

// Mode returns the controller's current dispatch mode.
func (c *AdaptiveController) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode forces a mode transition. Switching away from Batch flushes
// any pending partial batch first.
func (c *AdaptiveController) SetMode(m Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setModeLocked(m)
}

func (c *AdaptiveController) setModeLocked(m Mode) error {
	if m == c.mode {
		return nil
	}
	var flushErr error
	if c.mode == Batch && len(c.batch) > 0 {
		flushErr = c.flushLocked()
	}
	from := c.mode
	c.mode = m
	c.stats.ModeSwitches++
	c.recordSwitchLocked(from, m)
	log.Printf("driver: mode %s -> %s", from, m)
	return flushErr
}

func (c *AdaptiveController) recordSwitchLocked(from, to Mode) {
	c.switchLog = append(c.switchLog, ModeSwitchEvent{
		From: from,
		To:   to,
		AtUS: c.clock.ToMicros(c.clock.Now()),
	})
	if len(c.switchLog) > maxModeSwitchLog {
		c.switchLog = append([]ModeSwitchEvent(nil), c.switchLog[len(c.switchLog)-maxModeSwitchLog:]...)
	}
}

// SwitchLog returns the most recent mode-transition events, oldest
// first, bounded to the last 64.
func (c *AdaptiveController) SwitchLog() []ModeSwitchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ModeSwitchEvent(nil), c.switchLog...)
}

// Submit dispatches req through the controller's current mode,
// updating the throughput window and re-evaluating the mode first
// (unless the controller is in the explicitly-selected Batch mode,
// which only a caller's SetMode can leave).
func (c *AdaptiveController) Submit(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowUS := c.clock.ToMicros(c.clock.Now())
	c.recordWindow(nowUS)

	if c.mode != Batch {
		if target := c.targetModeLocked(nowUS); target != c.mode {
			c.setModeLocked(target)
		}
	}

	switch c.mode {
	case Interrupt:
		return c.dispatchInterrupt(req)
	case Polling:
		return c.dispatchPolling(req)
	case Hybrid:
		return c.dispatchHybrid(req)
	case Batch:
		return c.enqueueBatch(req)
	default:
		return nil
	}
}

func (c *AdaptiveController) recordWindow(nowUS uint64) {
	c.window = append(c.window, nowUS)
	cutoff := int64(nowUS) - SlidingWindowMicros
	i := 0
	for ; i < len(c.window); i++ {
		if int64(c.window[i]) >= cutoff {
			break
		}
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

// targetModeLocked computes the throughput-optimal mode from the
// current window. With fewer than two samples there is no span to
// measure a rate over, so the controller stays put.
func (c *AdaptiveController) targetModeLocked(nowUS uint64) Mode {
	if len(c.window) < 2 {
		return c.mode
	}
	spanUS := nowUS - c.window[0]
	if spanUS == 0 {
		spanUS = 1
	}
	throughput := float64(len(c.window)) * 1_000_000 / float64(spanUS)

	switch {
	case throughput < LowThroughputThreshold:
		return Interrupt
	case throughput > HighThroughputThreshold:
		return Polling
	default:
		return Hybrid
	}
}

func (c *AdaptiveController) recordOp(mode Mode, startCycle uint64, ops uint64) {
	elapsed := c.clock.Now() - startCycle
	us := c.clock.ToMicros(elapsed)
	ms := &c.stats.PerMode[mode]
	ms.Operations += ops
	ms.Cycles += elapsed
	ms.TimeUS += us
	c.stats.TotalOperations += ops
}

func (c *AdaptiveController) dispatchInterrupt(req Request) error {
	start := c.clock.Now()
	if c.YieldFunc != nil {
		c.YieldFunc()
	}
	if err := c.device.WaitInterrupt(); err != nil {
		return kerrors.NewDeviceError(err)
	}
	err := c.device.Process(req)
	c.recordOp(Interrupt, start, 1)
	if err != nil {
		return kerrors.NewDeviceError(err)
	}
	return nil
}

func (c *AdaptiveController) dispatchPolling(req Request) error {
	start := c.clock.Now()
	for i := 0; i < MaxPollCycles; i++ {
		ready, err := c.device.PollStatus()
		if err != nil {
			return kerrors.NewDeviceError(err)
		}
		if ready {
			err := c.device.Process(req)
			c.recordOp(Polling, start, 1)
			if err != nil {
				return kerrors.NewDeviceError(err)
			}
			return nil
		}
	}
	return kerrors.ErrTimeout
}

func (c *AdaptiveController) dispatchHybrid(req Request) error {
	start := c.clock.Now()
	for i := 0; i < MaxPollCycles; i++ {
		ready, err := c.device.PollStatus()
		if err != nil {
			return kerrors.NewDeviceError(err)
		}
		if ready {
			err := c.device.Process(req)
			c.recordOp(Hybrid, start, 1)
			if err != nil {
				return kerrors.NewDeviceError(err)
			}
			return nil
		}
	}
	if c.YieldFunc != nil {
		c.YieldFunc()
	}
	if err := c.device.WaitInterrupt(); err != nil {
		return kerrors.NewDeviceError(err)
	}
	err := c.device.Process(req)
	c.recordOp(Hybrid, start, 1)
	if err != nil {
		return kerrors.NewDeviceError(err)
	}
	return nil
}

func (c *AdaptiveController) enqueueBatch(req Request) error {
	if len(c.batch) >= MaxBatchSize {
		return kerrors.ErrQueueFull
	}
	c.batch = append(c.batch, req)
	if len(c.batch) == MaxBatchSize {
		return c.flushLocked()
	}
	return nil
}

// Flush forces dispatch of any pending partial batch. A no-op outside
// Batch mode or with an empty queue.
func (c *AdaptiveController) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batch) == 0 {
		return nil
	}
	return c.flushLocked()
}

func (c *AdaptiveController) flushLocked() error {
	start := c.clock.Now()
	reqs := c.batch
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].BlockNumber < reqs[j].BlockNumber })
	err := c.device.ProcessBatch(reqs)
	c.recordOp(Batch, start, uint64(len(reqs)))
	c.batch = nil
	if err != nil {
		return kerrors.NewDeviceError(err)
	}
	return nil
}

// Stats returns a snapshot of the controller's accumulated counters.
func (c *AdaptiveController) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
