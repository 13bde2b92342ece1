package sched

import "testing"

// fakeClock is a directly-steppable clock: Now() returns the current
// cursor, and ToMicros is the identity (so every test can reason in
// microseconds directly instead of calibrated cycles).
type fakeClock struct {
	cursor uint64
}

func (f *fakeClock) Now() uint64                   { return f.cursor }
func (f *fakeClock) ToMicros(cycles uint64) uint64 { return cycles }
func (f *fakeClock) advance(us uint64)             { f.cursor += us }

func newTestScheduler() (*Scheduler, *fakeClock) {
	fc := &fakeClock{}
	return New(fc), fc
}

// run simulates one full start/end cycle of threadID on cpuID taking
// durationUS microseconds.
func run(t *testing.T, s *Scheduler, fc *fakeClock, threadID, cpuID uint32, durationUS uint64) {
	t.Helper()
	if err := s.MarkExecutionStart(threadID, cpuID); err != nil {
		t.Fatalf("MarkExecutionStart: %v", err)
	}
	fc.advance(durationUS)
	if err := s.MarkExecutionEnd(threadID); err != nil {
		t.Fatalf("MarkExecutionEnd: %v", err)
	}
}

// TestEMAFirstExecutionSetsDirectly verifies the EMA is set to the
// first observed duration exactly, not blended against a zero prior.
func TestEMAFirstExecutionSetsDirectly(t *testing.T) {
	s, fc := newTestScheduler()
	s.Register(1)
	run(t, s, fc, 1, 0, 5000)

	pred, ok := s.Prediction(1)
	if !ok {
		t.Fatal("expected prediction to exist")
	}
	if pred.EMA != 5000 {
		t.Fatalf("EMA = %v, want 5000 on first execution", pred.EMA)
	}
	if pred.Count != 1 {
		t.Fatalf("Count = %d, want 1", pred.Count)
	}
}

// TestEMABlendsSubsequentExecutions checks the standard alpha=0.25
// exponential blend against a hand-computed value.
func TestEMABlendsSubsequentExecutions(t *testing.T) {
	s, fc := newTestScheduler()
	s.Register(1)
	run(t, s, fc, 1, 0, 1000)
	run(t, s, fc, 1, 0, 2000)

	want := EMAAlpha*2000 + (1-EMAAlpha)*1000
	pred, _ := s.Prediction(1)
	if pred.EMA != want {
		t.Fatalf("EMA = %v, want %v", pred.EMA, want)
	}
}

// TestClassificationThresholds covers the Hot/Normal/Cold boundaries.
func TestClassificationThresholds(t *testing.T) {
	cases := []struct {
		us   uint64
		want Class
	}{
		{1, Hot},
		{HotThresholdUS - 1, Hot},
		{HotThresholdUS, Normal},
		{NormalThresholdUS - 1, Normal},
		{NormalThresholdUS, Cold},
		{1_000_000, Cold},
	}
	for _, c := range cases {
		s, fc := newTestScheduler()
		s.Register(1)
		run(t, s, fc, 1, 0, c.us)
		pred, _ := s.Prediction(1)
		if pred.Class != c.want {
			t.Fatalf("duration %dus: class = %v, want %v", c.us, pred.Class, c.want)
		}
	}
}

// TestScheduleNextPrefersHotOverNormalOverCold verifies strict
// class-priority ordering: any Hot thread is returned before any
// Normal or Cold thread regardless of registration order.
func TestScheduleNextPrefersHotOverNormalOverCold(t *testing.T) {
	s, fc := newTestScheduler()
	s.Register(1)
	s.Register(2)
	s.Register(3)

	run(t, s, fc, 1, 0, 200000) // cold
	run(t, s, fc, 2, 0, 50000)  // normal
	run(t, s, fc, 3, 0, 100)    // hot

	got, ok := s.ScheduleNext(0)
	if !ok || got != 3 {
		t.Fatalf("ScheduleNext = (%d, %v), want (3, true)", got, ok)
	}
	got, ok = s.ScheduleNext(0)
	if !ok || got != 2 {
		t.Fatalf("ScheduleNext = (%d, %v), want (2, true)", got, ok)
	}
	got, ok = s.ScheduleNext(0)
	if !ok || got != 1 {
		t.Fatalf("ScheduleNext = (%d, %v), want (1, true)", got, ok)
	}
	if _, ok := s.ScheduleNext(0); ok {
		t.Fatal("expected no further runnable threads")
	}
}

// TestAffinityPrefersSameCPUWithinWindow checks that among two Hot
// candidates, the one that last ran on the requested CPU recently wins
// over one that ran elsewhere, even though it was enqueued second.
func TestAffinityPrefersSameCPUWithinWindow(t *testing.T) {
	s, fc := newTestScheduler()
	s.Register(1)
	s.Register(2)

	run(t, s, fc, 1, 7, 100) // thread 1 last ran on cpu 7, hot
	run(t, s, fc, 2, 3, 100) // thread 2 last ran on cpu 3, hot

	// No time has passed since either thread's end, so both are
	// judged purely on whether their last CPU matches cpuID=3.
	got, ok := s.ScheduleNext(3)
	if !ok || got != 2 {
		t.Fatalf("ScheduleNext(cpu=3) = (%d, %v), want (2, true); affinity should favor the matching CPU", got, ok)
	}
}

// TestAffinityDecaysPastThreshold verifies a same-CPU score stays at
// the maximum through AffinityThresholdUS, decays linearly by one per
// additional microsecond past it, and never drops below the floor.
func TestAffinityDecaysPastThreshold(t *testing.T) {
	p1 := &Prediction{LastCPU: 5, Class: Hot}

	scoreFresh := affinityScore(p1, 5, 0)
	if scoreFresh != affinityMax {
		t.Fatalf("fresh same-CPU score = %d, want %d", scoreFresh, affinityMax)
	}

	scoreAtThreshold := affinityScore(p1, 5, AffinityThresholdUS)
	if scoreAtThreshold != affinityMax {
		t.Fatalf("same-CPU score at threshold = %d, want %d", scoreAtThreshold, affinityMax)
	}

	scoreMidDecay := affinityScore(p1, 5, AffinityThresholdUS+20)
	if want := affinityMax - 20; scoreMidDecay != want {
		t.Fatalf("mid-decay score (threshold+20us) = %d, want %d", scoreMidDecay, want)
	}

	scoreFarPastThreshold := affinityScore(p1, 5, AffinityThresholdUS+1000)
	if scoreFarPastThreshold != affinityFloor {
		t.Fatalf("far-past-threshold score = %d, want floor %d", scoreFarPastThreshold, affinityFloor)
	}

	scoreElsewhere := affinityScore(p1, 9, 0)
	if scoreElsewhere != affinityFloor {
		t.Fatalf("different-CPU score = %d, want floor %d", scoreElsewhere, affinityFloor)
	}
}

// TestAffinityScoringWorkedExamples exercises the two literal worked
// examples for the cache-affinity score: a same-CPU thread whose last
// end was 40ms earlier scores exactly the maximum, and one whose last
// end was 60ms earlier scores between the floor and 90 inclusive.
func TestAffinityScoringWorkedExamples(t *testing.T) {
	p := &Prediction{LastCPU: 2, Class: Hot}

	score40ms := affinityScore(p, 2, 40_000)
	if score40ms != affinityMax {
		t.Fatalf("score at 40ms elapsed = %d, want %d", score40ms, affinityMax)
	}

	score60ms := affinityScore(p, 2, 60_000)
	if score60ms < affinityFloor || score60ms > 90 {
		t.Fatalf("score at 60ms elapsed = %d, want in [%d, 90]", score60ms, affinityFloor)
	}
}

// TestScheduleNextCountsAffinityHits checks AffinityHits increments
// exactly when a ScheduleNext pick's score exceeds AffinityHitScore,
// and not otherwise.
func TestScheduleNextCountsAffinityHits(t *testing.T) {
	s, fc := newTestScheduler()
	s.Register(1)
	s.Register(2)

	run(t, s, fc, 1, 0, 100) // hot, last ran on cpu 0
	run(t, s, fc, 2, 9, 100) // hot, last ran on cpu 9

	if s.AffinityHits() != 0 {
		t.Fatalf("AffinityHits = %d before any schedule, want 0", s.AffinityHits())
	}

	// Thread 1 matches the requested cpu with no elapsed time: a
	// maximum score, well above AffinityHitScore.
	if got, ok := s.ScheduleNext(0); !ok || got != 1 {
		t.Fatalf("ScheduleNext(0) = (%d, %v), want (1, true)", got, ok)
	}
	if s.AffinityHits() != 1 {
		t.Fatalf("AffinityHits = %d after one same-CPU pick, want 1", s.AffinityHits())
	}

	// Thread 2 ran on a different CPU than requested: a floor score,
	// not a hit.
	if got, ok := s.ScheduleNext(0); !ok || got != 2 {
		t.Fatalf("ScheduleNext(0) = (%d, %v), want (2, true)", got, ok)
	}
	if s.AffinityHits() != 1 {
		t.Fatalf("AffinityHits = %d after a floor-score pick, want still 1", s.AffinityHits())
	}
}

// TestMarkExecutionStartUnknownThread ensures operations on an
// unregistered thread id are rejected rather than silently creating
// state.
func TestMarkExecutionStartUnknownThread(t *testing.T) {
	s, _ := newTestScheduler()
	if err := s.MarkExecutionStart(999, 0); err == nil {
		t.Fatal("expected error for unregistered thread")
	}
}

// TestMarkExecutionEndWithoutStart ensures end-without-start is
// rejected rather than corrupting the EMA with a bogus elapsed time.
func TestMarkExecutionEndWithoutStart(t *testing.T) {
	s, _ := newTestScheduler()
	s.Register(1)
	if err := s.MarkExecutionEnd(1); err == nil {
		t.Fatal("expected error for end without a matching start")
	}
}

// TestTickPromotesStarvedThreads simulates a Cold thread skipped
// repeatedly while Hot work keeps arriving, and checks Tick eventually
// promotes it to Normal.
func TestTickPromotesStarvedThreads(t *testing.T) {
	s, fc := newTestScheduler()
	s.Register(1)
	run(t, s, fc, 1, 0, 200000) // cold, sits in the cold queue

	const starveAfter = 3
	for i := 0; i < starveAfter; i++ {
		s.Tick(starveAfter)
	}

	pred, _ := s.Prediction(1)
	if pred.Class != Normal {
		t.Fatalf("after %d ticks, class = %v, want Normal", starveAfter, pred.Class)
	}
}

// TestRegisterIsIdempotent ensures re-registering an already-known
// thread does not reset its prediction or duplicate its queue entry.
func TestRegisterIsIdempotent(t *testing.T) {
	s, fc := newTestScheduler()
	s.Register(1)
	run(t, s, fc, 1, 0, 500)

	s.Register(1)
	pred, _ := s.Prediction(1)
	if pred.Count != 1 {
		t.Fatalf("re-registering reset Count to %d, want 1 preserved", pred.Count)
	}

	count := 0
	for {
		if _, ok := s.ScheduleNext(0); !ok {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("thread appeared %d times across queues, want exactly 1", count)
	}
}
