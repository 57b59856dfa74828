package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	histLowest  = 1                                          // 1µs
	histHighest = int64(10 * time.Minute / time.Microsecond) // longest trackable trial
	histSigFigs = 3
)

// DurationHistogram records trial durations at microsecond resolution and is
// safe for one writer and many readers.
type DurationHistogram struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func NewDurationHistogram() *DurationHistogram {
	return &DurationHistogram{hist: hdrhistogram.New(histLowest, histHighest, histSigFigs)}
}

// Record adds d. Durations outside the trackable range are clamped so a slow
// outlier still counts.
func (h *DurationHistogram) Record(d time.Duration) error {
	v := min(max(d.Microseconds(), histLowest), histHighest)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.RecordValue(v)
}

func (h *DurationHistogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

func (h *DurationHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.Reset()
}

// Percentiles reads every quantile under one lock so the values agree with
// each other.
func (h *DurationHistogram) Percentiles() Percentiles {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := func(us int64) float64 { return float64(us) / 1000.0 }
	return Percentiles{
		P50: ms(h.hist.ValueAtQuantile(50)),
		P90: ms(h.hist.ValueAtQuantile(90)),
		P99: ms(h.hist.ValueAtQuantile(99)),
		Max: ms(h.hist.Max()),
	}
}
