package util

import (
	"fmt"
	"math"
	"time"
)

// LatencyStats summarizes per thread latencies of a benchmark
type LatencyStats struct {
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	StdDev   time.Duration
	Fairness float64 // min/max, 1 means every thread saw the same latency
}

// NewLatencyStats computes minimum, maximum, mean and standard deviation of samples
func NewLatencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	minimum := samples[0]
	maximum := samples[0]

	var sum float64
	for _, s := range samples {
		sum += float64(s)
		if s < minimum {
			minimum = s
		}
		if s > maximum {
			maximum = s
		}
	}
	mean := sum / float64(len(samples))

	// population standard deviation
	var sumSquaredDiffs float64
	for _, s := range samples {
		diff := float64(s) - mean
		sumSquaredDiffs += diff * diff
	}
	stdDev := math.Sqrt(sumSquaredDiffs / float64(len(samples)))

	fairness := 1.0
	if maximum > 0 {
		fairness = float64(minimum) / float64(maximum)
	}

	return LatencyStats{
		Min:      minimum,
		Max:      maximum,
		Mean:     time.Duration(mean),
		StdDev:   time.Duration(stdDev),
		Fairness: fairness,
	}
}

func (s LatencyStats) String() string {
	return fmt.Sprintf("min %s  max %s  mean %s  stddev %s  fairness %.2f", s.Min, s.Max, s.Mean, s.StdDev, s.Fairness)
}
