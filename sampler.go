package main

import "time"

// FrameSampler decides whether a frame tick is eligible to be sent for
// inference. A frame qualifies only when both the stride condition and the
// minimum-gap condition hold: the display rate (30-60 Hz) vastly exceeds a
// sustainable inference rate, the stride alone is insufficient under
// frame-rate jitter, and the gap alone wastes frames when the display stalls.
//
// The sampler is stateless; the last sample time lives in PipelineState and
// is passed in by the caller. It never calls the inference service itself.
type FrameSampler struct {
	// Stride is the number of frame ticks between eligible attempts.
	Stride uint64
	// MinGap is the minimum wall-clock time between samples.
	MinGap time.Duration
}

// NewFrameSampler returns a sampler with the given stride and gap. A stride
// below 1 is treated as 1.
func NewFrameSampler(stride int, minGap time.Duration) *FrameSampler {
	if stride < 1 {
		stride = 1
	}
	return &FrameSampler{Stride: uint64(stride), MinGap: minGap}
}

// Eligible reports whether the frame identified by tick may be sampled now,
// given the time of the last issued sample. A zero lastSample means no sample
// has been issued yet.
func (s *FrameSampler) Eligible(tick uint64, lastSample, now time.Time) bool {
	if tick%s.Stride != 0 {
		return false
	}
	if lastSample.IsZero() {
		return true
	}
	return now.Sub(lastSample) > s.MinGap
}
