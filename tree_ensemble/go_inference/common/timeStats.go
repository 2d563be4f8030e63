package common

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// TimingStats accumulates durations of one kind of work. It is safe for
// concurrent use.
type TimingStats struct {
	mu      sync.Mutex
	samples stats.Float64Data

	Mean   time.Duration
	StdDev time.Duration
	P95    time.Duration
	Max    time.Duration
}

func (ts *TimingStats) AddSample(duration time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.samples = append(ts.samples, float64(duration.Nanoseconds()))
	ts.calculateStats()
}

func (ts *TimingStats) calculateStats() {
	if len(ts.samples) == 0 {
		return
	}
	if mean, err := stats.Mean(ts.samples); err == nil {
		ts.Mean = time.Duration(mean)
	}
	if sd, err := stats.StandardDeviationPopulation(ts.samples); err == nil {
		ts.StdDev = time.Duration(sd)
	}
	if p95, err := stats.Percentile(ts.samples, 95); err == nil {
		ts.P95 = time.Duration(p95)
	}
	if max, err := stats.Max(ts.samples); err == nil {
		ts.Max = time.Duration(max)
	}
}

func (ts *TimingStats) Count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.samples)
}

// Summary is a copy of the current statistics.
type Summary struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	P95    time.Duration
	Max    time.Duration
}

func (ts *TimingStats) Summary() Summary {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return Summary{Count: len(ts.samples), Mean: ts.Mean, StdDev: ts.StdDev, P95: ts.P95, Max: ts.Max}
}
