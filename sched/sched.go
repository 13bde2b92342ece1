// Package sched is the predictive three-queue scheduler: Hot/Normal/
// Cold priority queues classified by an EMA of each thread's measured
// execution time, with a cache-affinity score breaking ties toward a
// thread's last CPU. Grounded on the reference kernel's goroutine.go/
// scheduler_bootstrap.go general shape (a small scheduler structure
// queried by thread id, a g0/m0/P-style bring-up sequence); the EMA
// and affinity math are original to this module since the reference
// kernel has no predictive scheduler of its own.
package sched

import "exo/kerrors"

// Class is a thread's current EMA-derived priority class.
type Class int

const (
	Hot Class = iota
	Normal
	Cold
)

const (
	// EMAAlpha is the exponential-moving-average smoothing factor.
	EMAAlpha = 0.25
	// HotThresholdUS: EMA below this is Hot.
	HotThresholdUS = 10000
	// NormalThresholdUS: EMA below this (and at/above HotThresholdUS)
	// is Normal; at or above it is Cold.
	NormalThresholdUS = 100000
	// AffinityThresholdUS bounds how long since a thread's last run on
	// its last CPU still counts toward the affinity score.
	AffinityThresholdUS = 50000
	// AffinityHitScore is the threshold above which a score counts as
	// an "affinity hit" in statistics.
	AffinityHitScore = 80
	// affinityFloor is the minimum score for any runnable candidate.
	affinityFloor = 10
	// affinityMax is the score for a thread resumed on its last CPU
	// with no elapsed time since its last end.
	affinityMax = 100
)

func classFor(emaUS float64) Class {
	switch {
	case emaUS < HotThresholdUS:
		return Hot
	case emaUS < NormalThresholdUS:
		return Normal
	default:
		return Cold
	}
}

// Prediction is a thread's execution-time model and last-run history.
type Prediction struct {
	EMA     float64
	Count   uint64
	LastCPU uint32
	// LastDurationUS is how long the most recent execution took.
	LastDurationUS uint64
	// LastEndAtUS is the absolute clock reading, in microseconds, at
	// which the most recent execution finished; ScheduleNext compares
	// it against the current time to age out cache affinity.
	LastEndAtUS uint64
	Class       Class

	running    bool
	startCycle uint64
	startCPU   uint32
	skipCount  int
}

// clock is the subset of tsc.HardwareClock the scheduler needs: a
// cycle read plus the calibrated conversion to microseconds.
type clock interface {
	Now() uint64
	ToMicros(cycles uint64) uint64
}

// Scheduler tracks every registered thread's Prediction and three FIFO
// queues (Hot, Normal, Cold) of thread IDs ready to run.
type Scheduler struct {
	clock clock

	predictions map[uint32]*Prediction
	queues      [3][]uint32

	// affinityHits counts every ScheduleNext pick whose score exceeded
	// AffinityHitScore.
	affinityHits uint64
}

// New builds a Scheduler backed by clk for EMA timing. clk is typically
// a *tsc.HardwareClock; tests may supply a fake satisfying the same
// Now/ToMicros contract.
func New(clk clock) *Scheduler {
	return &Scheduler{
		clock:       clk,
		predictions: make(map[uint32]*Prediction),
	}
}

// Register admits threadID into the Normal queue with an empty
// prediction.
func (s *Scheduler) Register(threadID uint32) {
	if _, ok := s.predictions[threadID]; ok {
		return
	}
	p := &Prediction{Class: Normal}
	s.predictions[threadID] = p
	s.queues[Normal] = append(s.queues[Normal], threadID)
}

// MarkExecutionStart records the pre-run timestamp and CPU for
// threadID.
func (s *Scheduler) MarkExecutionStart(threadID, cpuID uint32) error {
	p, ok := s.predictions[threadID]
	if !ok {
		return kerrors.ErrUnknownThread
	}
	p.running = true
	p.startCycle = s.clock.Now()
	p.startCPU = cpuID
	return nil
}

// MarkExecutionEnd computes elapsed time, updates the EMA, possibly
// reclassifies, and pushes threadID back onto the queue for its
// (possibly new) class, removing any entry it still had in a queue so
// a thread is queued at most once.
func (s *Scheduler) MarkExecutionEnd(threadID uint32) error {
	p, ok := s.predictions[threadID]
	if !ok || !p.running {
		return kerrors.ErrUnknownThread
	}
	p.running = false

	elapsedCycles := s.clock.Now() - p.startCycle
	elapsedUS := s.clock.ToMicros(elapsedCycles)

	if p.Count == 0 {
		p.EMA = float64(elapsedUS)
	} else {
		p.EMA = EMAAlpha*float64(elapsedUS) + (1-EMAAlpha)*p.EMA
	}
	p.Count++
	p.LastCPU = p.startCPU
	p.LastDurationUS = elapsedUS
	p.LastEndAtUS = s.clock.ToMicros(s.clock.Now())
	p.Class = classFor(p.EMA)

	for c := range s.queues {
		q := s.queues[c]
		for i, id := range q {
			if id == threadID {
				s.queues[c] = append(q[:i], q[i+1:]...)
				break
			}
		}
	}
	s.queues[p.Class] = append(s.queues[p.Class], threadID)
	return nil
}

// affinityScore computes the cache-affinity score for a candidate
// resuming on cpuID, given microsSinceEnd elapsed since its last end
// timestamp. A thread resumed on its last CPU within AffinityThresholdUS
// scores the maximum; past the threshold the score decays linearly by
// one per additional microsecond down to a floor.
func affinityScore(p *Prediction, cpuID uint32, microsSinceEnd uint64) int {
	if p.LastCPU != cpuID {
		return affinityFloor
	}
	if microsSinceEnd < AffinityThresholdUS {
		return affinityMax
	}
	overage := microsSinceEnd - AffinityThresholdUS
	score := affinityMax - int(overage)
	if score < affinityFloor {
		score = affinityFloor
	}
	return score
}

// candidateScanWindow bounds how many queue-head candidates
// ScheduleNext inspects before picking the highest-scoring one (the
// "refinement" over simply popping the head).
const candidateScanWindow = 5

// ScheduleNext returns the next thread to run on cpuID, scanning the
// highest-priority non-empty queue's first few candidates and picking
// the one with the best cache-affinity score. Returns false when every
// queue is empty.
func (s *Scheduler) ScheduleNext(cpuID uint32) (uint32, bool) {
	nowUS := s.clock.ToMicros(s.clock.Now())
	for class := Hot; class <= Cold; class++ {
		q := s.queues[class]
		if len(q) == 0 {
			continue
		}
		window := len(q)
		if window > candidateScanWindow {
			window = candidateScanWindow
		}
		bestIdx, bestScore := 0, -1
		for i := 0; i < window; i++ {
			p := s.predictions[q[i]]
			var sinceEnd uint64
			if nowUS > p.LastEndAtUS {
				sinceEnd = nowUS - p.LastEndAtUS
			}
			score := affinityScore(p, cpuID, sinceEnd)
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestScore > AffinityHitScore {
			s.affinityHits++
		}
		threadID := q[bestIdx]
		s.queues[class] = append(q[:bestIdx], q[bestIdx+1:]...)
		return threadID, true
	}
	return 0, false
}

// AffinityHits returns the number of ScheduleNext picks so far whose
// cache-affinity score exceeded AffinityHitScore.
func (s *Scheduler) AffinityHits() uint64 {
	return s.affinityHits
}

// Tick is an optional anti-starvation hook: a caller may invoke it
// periodically to boost threads that have been passed over K times.
// Correctness of the Hot/Normal/Cold classification never depends on
// Tick being called.
func (s *Scheduler) Tick(starveAfter int) {
	for class := Normal; class <= Cold; class++ {
		var kept []uint32
		for _, threadID := range s.queues[class] {
			p := s.predictions[threadID]
			p.skipCount++
			if p.skipCount >= starveAfter {
				p.skipCount = 0
				boosted := class - 1
				p.Class = boosted
				s.queues[boosted] = append(s.queues[boosted], threadID)
			} else {
				kept = append(kept, threadID)
			}
		}
		s.queues[class] = kept
	}
}

// Prediction returns a copy of threadID's current prediction state,
// for diagnostics and tests.
func (s *Scheduler) Prediction(threadID uint32) (Prediction, bool) {
	p, ok := s.predictions[threadID]
	if !ok {
		return Prediction{}, false
	}
	return *p, true
}
