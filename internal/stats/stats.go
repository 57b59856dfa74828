package stats

import (
	"sync/atomic"
	"time"
)

// Stats holds live counters for a run. The runner writes; the TUI and CLI read concurrently.
type Stats struct {
	Trials  uint64
	Success uint64
	Fail    uint64
	Timeout uint64

	// Success durations (microseconds)
	Duration *DurationHistogram
}

func NewStats() *Stats {
	return &Stats{
		Duration: NewDurationHistogram(),
	}
}

// Reset clears counters between runs.
func (s *Stats) Reset() {
	atomic.StoreUint64(&s.Trials, 0)
	atomic.StoreUint64(&s.Success, 0)
	atomic.StoreUint64(&s.Fail, 0)
	atomic.StoreUint64(&s.Timeout, 0)
	s.Duration.Reset()
}

func (s *Stats) RecordSuccess(d time.Duration) {
	atomic.AddUint64(&s.Trials, 1)
	atomic.AddUint64(&s.Success, 1)
	s.Duration.Record(d)
}

func (s *Stats) RecordFailure() {
	atomic.AddUint64(&s.Trials, 1)
	atomic.AddUint64(&s.Fail, 1)
}

func (s *Stats) RecordTimeout() {
	atomic.AddUint64(&s.Trials, 1)
	atomic.AddUint64(&s.Timeout, 1)
}

// FailureRate is the percentage of trials that did not succeed.
func (s *Stats) FailureRate() float64 {
	trials := atomic.LoadUint64(&s.Trials)
	if trials == 0 {
		return 0
	}
	bad := atomic.LoadUint64(&s.Fail) + atomic.LoadUint64(&s.Timeout)
	return (float64(bad) / float64(trials)) * 100
}

// Percentiles is the histogram view of success durations, in milliseconds.
type Percentiles struct {
	P50 float64 `json:"p50_ms"`
	P90 float64 `json:"p90_ms"`
	P99 float64 `json:"p99_ms"`
	Max float64 `json:"max_ms"`
}

func (s *Stats) Percentiles() Percentiles {
	return s.Duration.Percentiles()
}
