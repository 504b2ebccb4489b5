package fpsstats

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a fraction of the mean.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the expected interval.
	jitterStabilityThreshold = 0.20
)

// Stats holds frame rate statistics computed from frame timestamps.
type Stats struct {
	Frames     int
	Duration   time.Duration
	Mean       float64
	StdDev     float64
	Min        float64
	Max        float64
	JitterMean time.Duration
	JitterMax  time.Duration
	Stable     bool
}

// Calculate derives frame rate statistics from ordered frame timestamps.
//
// The rate is stable when the instantaneous FPS standard deviation stays below
// 15% of the mean and the mean jitter below 20% of the expected interval.
// Fewer than three timestamps never count as stable.
func Calculate(times []time.Time, total time.Duration) Stats {
	n := len(times)
	st := Stats{Frames: n, Duration: total}
	if n == 0 || total <= 0 {
		return st
	}

	st.Mean = float64(n) / total.Seconds()

	inst := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			inst = append(inst, 1/d)
		}
	}
	if len(inst) == 0 {
		return st
	}

	st.Min, st.Max = inst[0], inst[0]
	var sq float64
	for _, f := range inst {
		st.Min = math.Min(st.Min, f)
		st.Max = math.Max(st.Max, f)
		diff := f - st.Mean
		sq += diff * diff
	}
	st.StdDev = math.Sqrt(sq / float64(len(inst)))

	expected := 1 / st.Mean
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(n-1)
	st.JitterMean = time.Duration(jitterMean * float64(time.Second))
	st.JitterMax = time.Duration(jitterMax * float64(time.Second))

	st.Stable = n >= 3 &&
		st.StdDev < st.Mean*fpsStabilityThreshold &&
		jitterMean < expected*jitterStabilityThreshold
	return st
}
