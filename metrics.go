package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// PipelineMetrics tracks health and performance counters for one pipeline
// instance. Counters are atomics so the periodic reporter can read them
// without touching the pipeline loop.
type PipelineMetrics struct {
	framesDrawn      atomic.Int64
	samplesIssued    atomic.Int64
	inferenceOK      atomic.Int64
	inferenceFailed  atomic.Int64
	sourceErrors     atomic.Int64
	lastFrameTime    atomic.Int64
	avgInferenceNano atomic.Int64
}

// UpdateInferenceTime folds a new round-trip measurement into the running
// average (EMA, alpha 0.1).
func (m *PipelineMetrics) UpdateInferenceTime(elapsed time.Duration) {
	current := m.avgInferenceNano.Load()
	sample := elapsed.Nanoseconds()
	if current == 0 {
		m.avgInferenceNano.Store(sample)
		return
	}
	m.avgInferenceNano.Store(int64(float64(current)*0.9 + float64(sample)*0.1))
}

// AvgInferenceMs returns the average inference round-trip in milliseconds.
func (m *PipelineMetrics) AvgInferenceMs() float64 {
	return float64(m.avgInferenceNano.Load()) / 1e6
}

// LastFrameAge returns how long ago the last frame was drawn, or zero before
// the first frame.
func (m *PipelineMetrics) LastFrameAge() time.Duration {
	last := m.lastFrameTime.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// report periodically logs pipeline health until the context is cancelled.
func (m *PipelineMetrics) report(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("Pipeline metrics report",
				"frames_drawn", m.framesDrawn.Load(),
				"samples_issued", m.samplesIssued.Load(),
				"inference_ok", m.inferenceOK.Load(),
				"inference_failed", m.inferenceFailed.Load(),
				"source_errors", m.sourceErrors.Load(),
				"avg_inference_ms", m.AvgInferenceMs(),
				"last_frame_age_ms", m.LastFrameAge().Milliseconds())

			if age := m.LastFrameAge(); age > 5*time.Second {
				logger.Warn("Frame drawing may be stalled", "last_frame_age", age)
			}
		}
	}
}
