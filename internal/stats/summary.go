package stats

import "math"

// Summary describes a set of success durations, in seconds.
// Every field is zero when there are no samples.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_seconds"`
	Min    float64 `json:"min_seconds"`
	Max    float64 `json:"max_seconds"`
	StdDev float64 `json:"stddev_seconds"`
}

// Summarize computes mean, min, max and the population standard deviation
// (divisor = count) of samples. It does not modify samples.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}

	s := Summary{
		Count: len(samples),
		Min:   samples[0],
		Max:   samples[0],
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(len(samples))

	sq := 0.0
	for _, v := range samples {
		d := v - s.Mean
		sq += d * d
	}
	s.StdDev = math.Sqrt(sq / float64(len(samples)))
	return s
}
