// Command exokernel wires the core components together in boot order
// and runs a short self-check exercising them, the hosted
// stand-in for a real multiboot entry point. Grounded on the reference
// kernel's KernelMain (src/go/mazarin/kernel.go): a strictly linear
// init sequence, each step logged, continuing past a non-fatal failure
// rather than aborting the whole boot. The ctxswitch handoff primitive
// (C6) is not wired in: the scheduler here only picks thread IDs and
// never switches into a ctxswitch.Thread.
package main

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"exo/bench"
	"exo/bootinfo"
	"exo/driver"
	"exo/fusionring"
	"exo/kalloc"
	"exo/pmm"
	"exo/sched"
	"exo/shmem"
	"exo/tsc"
)

// demoCPUCount is the number of logical CPUs this hosted boot
// simulates; real hardware would read this from ACPI/MP tables, out of
// scope here.
const demoCPUCount = 4

// hostedCPU is the bootinfo.CPU stand-in for a hosted build: Go gives
// no per-OS-thread identity, so Pin only records the assignment for
// diagnostics and Current hands out CPUs round-robin, mirroring
// scheduler_bootstrap.go's per-CPU P bring-up without a literal APIC
// ID to read.
type hostedCPU struct {
	mu   sync.Mutex
	pins map[uint64]int
	next atomic.Int64
}

func newHostedCPU() *hostedCPU {
	return &hostedCPU{pins: make(map[uint64]int)}
}

func (c *hostedCPU) Pin(threadID uint64, cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[threadID] = cpu
}

func (c *hostedCPU) Current() int {
	return int(c.next.Add(1)-1) % demoCPUCount
}

var _ bootinfo.CPU = (*hostedCPU)(nil)

// demoInterruptController is a bootinfo.InterruptController whose
// "hardware" is a goroutine that fires the registered handler shortly
// after EnableIRQ, standing in for a real device asserting an IRQ
// line.
type demoInterruptController struct {
	mu       sync.Mutex
	handlers map[int]func()
}

func newDemoInterruptController() *demoInterruptController {
	return &demoInterruptController{handlers: make(map[int]func())}
}

func (c *demoInterruptController) EnableIRQ(n int) {
	c.mu.Lock()
	fn := c.handlers[n]
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (c *demoInterruptController) DisableIRQ(n int) {}

func (c *demoInterruptController) Dispatch(n int, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[n] = fn
}

var _ bootinfo.InterruptController = (*demoInterruptController)(nil)

// demoIRQLine is the single interrupt line the demo device waits on.
const demoIRQLine = 0

// demoDevice is a driver.Device standing in for a VirtIO-style request
// queue, grounded on virtio_rng.go's buffer-fill/ready-flag shape: a
// request increments a counter; PollStatus reports ready once enough
// polls have accumulated, and WaitInterrupt blocks on the interrupt
// controller firing the registered handler.
type demoDevice struct {
	irq       *demoInterruptController
	processed atomic.Int64
	pollHits  atomic.Int64
}

func newDemoDevice(irq *demoInterruptController) *demoDevice {
	return &demoDevice{irq: irq}
}

func (d *demoDevice) WaitInterrupt() error {
	done := make(chan struct{})
	d.irq.Dispatch(demoIRQLine, func() { close(done) })
	d.irq.EnableIRQ(demoIRQLine)
	<-done
	return nil
}

func (d *demoDevice) PollStatus() (bool, error) {
	// Ready on the third poll, simulating a device that needs a short
	// warm-up before data is available.
	return d.pollHits.Add(1) >= 3, nil
}

func (d *demoDevice) Process(req driver.Request) error {
	d.processed.Add(1)
	return nil
}

func (d *demoDevice) ProcessBatch(reqs []driver.Request) error {
	d.processed.Add(int64(len(reqs)))
	return nil
}

func main() {
	log.Printf("exokernel: booting")

	runtime.GOMAXPROCS(demoCPUCount)
	var cpus bootinfo.CPU = newHostedCPU()

	// C1: timestamp source, calibrated against the host's own
	// monotonic clock.
	clock := tsc.NewHardwareClock()
	clock.Calibrate(10 * time.Millisecond)
	log.Printf("exokernel: tsc calibrated at %d cycles/us", clock.CyclesPerMicrosecond())

	// C2: physical frame allocator over a demo memory region. A real
	// boot reads this range from the multiboot memory map; here it is
	// fixed, matching the reference kernel's own "safe fixed location"
	// fallback when no memory map is available.
	desc := bootinfo.MemoryDescriptor{Base: 0x1000000, Length: 64 << 20}
	frames, err := pmm.NewAllocator(desc)
	if err != nil {
		log.Printf("exokernel: FATAL pmm.NewAllocator: %v", err)
		return
	}
	log.Printf("exokernel: pmm ready, %d frames", frames.NumFrames())

	// C4: three-level heap allocator, seeded with a handful of
	// top-order buddy blocks.
	heap := kalloc.NewHeap(4)
	log.Printf("exokernel: kalloc heap ready")

	// C3 + C5: shared-page pool over the frame allocator, and a fusion
	// ring constructed on top of it.
	pool := shmem.NewPool(frames)
	ring := fusionring.New(pool, 0)
	log.Printf("exokernel: fusion ring ready")

	// C7: predictive scheduler.
	scheduler := sched.New(clock)

	// C8: one adaptive controller per device, wired to yield through
	// the scheduler when a driver thread blocks.
	irqCtl := newDemoInterruptController()
	device := newDemoDevice(irqCtl)
	controller := driver.NewAdaptiveController(device, clock)

	const driverThreadID = 1
	scheduler.Register(driverThreadID)
	controller.YieldFunc = func() {
		cpu := cpus.Current()
		scheduler.MarkExecutionStart(driverThreadID, uint32(cpu))
		runtime.Gosched()
		scheduler.MarkExecutionEnd(driverThreadID)
	}

	selfCheck(heap, ring, scheduler, controller, clock)

	log.Printf("exokernel: boot complete")
}

// selfCheck exercises C4/C5/C7/C8 the way C9 is specified to: each in
// isolation, just enough to prove the wiring from this entry point is
// live.
func selfCheck(heap *kalloc.Heap, ring *fusionring.Ring, scheduler *sched.Scheduler, controller *driver.AdaptiveController, clock *tsc.HardwareClock) {
	const threadID, cpuID = 1, 0

	ptr, err := heap.Alloc(threadID, cpuID, 64)
	if err != nil {
		log.Printf("exokernel: self-check kalloc.Alloc failed: %v", err)
	} else {
		heap.Dealloc(threadID, cpuID, ptr, 64)
		log.Printf("exokernel: self-check kalloc round-trip ok")
	}

	if err := ring.SendInline([]byte("exokernel self-check")); err != nil {
		log.Printf("exokernel: self-check ring send failed: %v", err)
	} else if _, err := ring.Recv(); err != nil {
		log.Printf("exokernel: self-check ring recv failed: %v", err)
	} else {
		log.Printf("exokernel: self-check ring round-trip ok")
	}

	scheduler.Register(2)
	scheduler.MarkExecutionStart(2, cpuID)
	scheduler.MarkExecutionEnd(2)
	if _, ok := scheduler.Prediction(2); ok {
		log.Printf("exokernel: self-check scheduler prediction recorded")
	}

	if err := controller.Submit(driver.Request{BlockNumber: 0}); err != nil {
		log.Printf("exokernel: self-check driver submit failed: %v", err)
	} else {
		log.Printf("exokernel: self-check driver dispatch ok (mode=%s)", controller.Mode())
	}

	suite := bench.NewSuite(clock)
	suite.Run("kalloc.alloc64", 1000, func() {
		p, err := heap.Alloc(threadID, cpuID, 64)
		if err == nil {
			heap.Dealloc(threadID, cpuID, p, 64)
		}
	})
	log.Printf("exokernel: self-check benchmark recorded %d samples", len(suite.Results()[0].SamplesUS))
}
