package stats

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, Summary{}, s)
	assert.False(t, math.IsNaN(s.Mean))
	assert.False(t, math.IsNaN(s.StdDev))
}

func TestSummarize_ConstantSamples(t *testing.T) {
	for n := 1; n <= 12; n++ {
		samples := make([]float64, n)
		for i := range samples {
			samples[i] = 0.25
		}
		s := Summarize(samples)
		assert.Equal(t, n, s.Count)
		assert.InDelta(t, 0.25, s.Mean, 1e-12)
		assert.InDelta(t, 0.25, s.Min, 1e-12)
		assert.InDelta(t, 0.25, s.Max, 1e-12)
		assert.InDelta(t, 0, s.StdDev, 1e-12)
	}
}

func TestSummarize_PopulationStdDev(t *testing.T) {
	samples := []float64{1.0, 1.2, 0.9, 1.1, 1.0, 1.3, 0.95}
	s := Summarize(samples)

	assert.Equal(t, 7, s.Count)
	assert.InDelta(t, 1.0643, s.Mean, 1e-4)
	assert.InDelta(t, 0.9, s.Min, 1e-12)
	assert.InDelta(t, 1.3, s.Max, 1e-12)
	// divisor is the count (7), not count-1
	assert.InDelta(t, 0.132865, s.StdDev, 1e-5)
}

func TestSummarize_SingleSample(t *testing.T) {
	s := Summarize([]float64{2.5})
	assert.Equal(t, Summary{Count: 1, Mean: 2.5, Min: 2.5, Max: 2.5, StdDev: 0}, s)
}

func TestSummarize_Idempotent(t *testing.T) {
	samples := []float64{3.1, 0.4, 2.2, 9.8}
	first := Summarize(samples)
	second := Summarize(samples)
	assert.Equal(t, first, second)
	assert.Equal(t, []float64{3.1, 0.4, 2.2, 9.8}, samples)
}

func TestStats_Counters(t *testing.T) {
	s := NewStats()
	s.RecordSuccess(1200 * time.Millisecond)
	s.RecordSuccess(800 * time.Millisecond)
	s.RecordFailure()
	s.RecordTimeout()

	assert.EqualValues(t, 4, s.Trials)
	assert.EqualValues(t, 2, s.Success)
	assert.EqualValues(t, 1, s.Fail)
	assert.EqualValues(t, 1, s.Timeout)
	assert.InDelta(t, 50.0, s.FailureRate(), 1e-9)
	assert.EqualValues(t, 2, s.Duration.Count())

	p := s.Percentiles()
	assert.InDelta(t, 1200, p.Max, 2)
	assert.InDelta(t, 800, p.P50, 2)

	s.Reset()
	assert.EqualValues(t, 0, s.Trials)
	assert.EqualValues(t, 0, s.Duration.Count())
	assert.Equal(t, 0.0, s.FailureRate())
}

func TestDurationHistogram_ClampsOutOfRange(t *testing.T) {
	h := NewDurationHistogram()
	require.NoError(t, h.Record(0))
	require.NoError(t, h.Record(time.Hour))
	assert.EqualValues(t, 2, h.Count())
	assert.InDelta(t, float64(10*time.Minute/time.Millisecond), h.Percentiles().Max, 1000)
}

func TestStats_ConcurrentReaders(t *testing.T) {
	s := NewStats()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.RecordSuccess(time.Duration(i+1) * time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Percentiles()
			_ = s.FailureRate()
		}
	}()
	wg.Wait()
	assert.EqualValues(t, 200, s.Success)
}
