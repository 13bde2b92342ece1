// Package bench is the cycle-accurate measurement harness used to
// validate C4–C8's performance claims: a calibrated clock wrapper, a
// sample collector producing mean/stddev/percentiles, a named-suite
// runner, CSV and pretty-table rendering, and a baseline-vs-optimized
// comparison with declarative pass/fail validations.
//
// No benchmark or statistics library appears anywhere in the retrieved
// corpus's kernel-domain code, so this package is deliberately
// stdlib-only — the same "hand-roll the arithmetic, reach for a
// library for structured concerns" split the reference kernel itself
// applies to its own console formatting.
package bench

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"text/tabwriter"
)

// clock is the minimal cycle source a Suite needs.
type clock interface {
	Now() uint64
	ToMicros(cycles uint64) uint64
}

// Result is one named benchmark's collected samples and derived
// statistics, all in microseconds.
type Result struct {
	Name       string
	Iterations int
	SamplesUS  []float64
	MeanUS     float64
	StdDevUS   float64
	P50US      float64
	P95US      float64
	P99US      float64
}

// NewResult computes the summary statistics for a raw set of
// per-iteration microsecond samples.
func NewResult(name string, samplesUS []float64) Result {
	r := Result{Name: name, Iterations: len(samplesUS), SamplesUS: samplesUS}
	if len(samplesUS) == 0 {
		return r
	}
	r.MeanUS = mean(samplesUS)
	r.StdDevUS = stddev(samplesUS, r.MeanUS)

	sorted := append([]float64(nil), samplesUS...)
	sort.Float64s(sorted)
	r.P50US = percentile(sorted, 0.50)
	r.P95US = percentile(sorted, 0.95)
	r.P99US = percentile(sorted, 0.99)
	return r
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// percentile takes a pre-sorted ascending slice and the requested
// fraction (0..1), interpolating linearly between the two nearest
// ranks.
func percentile(sorted []float64, frac float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := frac * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac2 := idx - float64(lo)
	return sorted[lo]*(1-frac2) + sorted[hi]*frac2
}

// Suite runs named benchmarks against a shared clock and accumulates
// their results in run order.
type Suite struct {
	clock   clock
	results []Result
}

// NewSuite builds a Suite backed by clk (typically a
// *tsc.HardwareClock that has already been calibrated).
func NewSuite(clk clock) *Suite {
	return &Suite{clock: clk}
}

// Run executes fn iterations times, timing each call individually, and
// appends the aggregated Result to the suite.
func (s *Suite) Run(name string, iterations int, fn func()) Result {
	samples := make([]float64, iterations)
	for i := 0; i < iterations; i++ {
		start := s.clock.Now()
		fn()
		elapsed := s.clock.Now() - start
		samples[i] = float64(s.clock.ToMicros(elapsed))
	}
	r := NewResult(name, samples)
	s.results = append(s.results, r)
	return r
}

// Results returns every result accumulated so far, in run order.
func (s *Suite) Results() []Result {
	return append([]Result(nil), s.results...)
}

// WriteCSV renders results as a header row plus one row per result:
// name, iterations, mean, stddev, p50, p95, p99 (all microseconds).
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"name", "iterations", "mean_us", "stddev_us", "p50_us", "p95_us", "p99_us"}); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			r.Name,
			strconv.Itoa(r.Iterations),
			formatFloat(r.MeanUS),
			formatFloat(r.StdDevUS),
			formatFloat(r.P50US),
			formatFloat(r.P95US),
			formatFloat(r.P99US),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

// WriteTable renders results as an aligned, tab-separated table.
func WriteTable(w io.Writer, results []Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tITERS\tMEAN(us)\tSTDDEV(us)\tP50(us)\tP95(us)\tP99(us)")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\n",
			r.Name, r.Iterations, r.MeanUS, r.StdDevUS, r.P50US, r.P95US, r.P99US)
	}
	return tw.Flush()
}

// Comparison is a baseline-vs-optimized pairing with derived speedup.
type Comparison struct {
	Baseline           Result
	Optimized          Result
	SpeedupX           float64
	PercentImprovement float64
}

// Compare computes how much faster optimized is than baseline. A
// SpeedupX of 2.0 means optimized took half as long.
func Compare(baseline, optimized Result) Comparison {
	c := Comparison{Baseline: baseline, Optimized: optimized}
	if optimized.MeanUS == 0 {
		return c
	}
	c.SpeedupX = baseline.MeanUS / optimized.MeanUS
	if baseline.MeanUS != 0 {
		c.PercentImprovement = (baseline.MeanUS - optimized.MeanUS) / baseline.MeanUS * 100
	}
	return c
}

// Validation is a named, declarative pass/fail check over a
// Comparison, e.g. "speedup at least 10x".
type Validation struct {
	Name  string
	Check func(Comparison) bool
}

// ValidationResult is one Validation's outcome against a specific
// Comparison.
type ValidationResult struct {
	Name   string
	Passed bool
}

// Evaluate runs every validation against c. Failures are reported, not
// fatal — the caller decides what to do with a failed ValidationResult.
func Evaluate(c Comparison, validations []Validation) []ValidationResult {
	out := make([]ValidationResult, len(validations))
	for i, v := range validations {
		out[i] = ValidationResult{Name: v.Name, Passed: v.Check(c)}
	}
	return out
}

// MinSpeedup builds a Validation requiring at least factor× speedup.
func MinSpeedup(factor float64) Validation {
	return Validation{
		Name:  fmt.Sprintf("speedup >= %.2fx", factor),
		Check: func(c Comparison) bool { return c.SpeedupX >= factor },
	}
}

// MinPercentImprovement builds a Validation requiring at least pct%
// improvement.
func MinPercentImprovement(pct float64) Validation {
	return Validation{
		Name:  fmt.Sprintf("improvement >= %.1f%%", pct),
		Check: func(c Comparison) bool { return c.PercentImprovement >= pct },
	}
}

// MaxMeanUS builds a Validation requiring the optimized result's mean
// latency to stay at or below boundUS microseconds.
func MaxMeanUS(boundUS float64) Validation {
	return Validation{
		Name:  fmt.Sprintf("optimized mean <= %.2fus", boundUS),
		Check: func(c Comparison) bool { return c.Optimized.MeanUS <= boundUS },
	}
}
