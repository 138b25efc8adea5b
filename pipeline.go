package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// PipelineState is the read-only snapshot of a pipeline instance handed to
// the UI layer.
type PipelineState struct {
	Tick       uint64      `json:"tick"`
	InFlight   bool        `json:"in_flight"`
	Detections []Detection `json:"detections"`
	Error      *ErrorInfo  `json:"error,omitempty"`
}

// Pipeline runs the frame-sampling and detection-overlay loop for one video
// feed. All mutable pipeline state is owned by the instance, never global,
// so multiple concurrent feeds do not interfere.
//
// The loop is a single goroutine: it draws a frame per tick, gates sampling
// through the FrameSampler, submits at most one inference request via the
// DetectionClient and applies completions delivered back on the client's
// result channel. Display draws never wait on inference.
type Pipeline struct {
	cfg      *Config
	logger   *slog.Logger
	source   FrameSource
	sampler  *FrameSampler
	client   *DetectionClient
	renderer *OverlayRenderer
	errs     *ErrorState
	metrics  *PipelineMetrics
	hub      *Hub

	surface *Surface

	// Loop-owned state. The mutex only guards the fields the HTTP layer
	// reads through Snapshot.
	mu         sync.Mutex
	tick       uint64
	lastSample time.Time
	detections []Detection
	sampleW    int
	sampleH    int

	alive       atomic.Bool
	disposeOnce sync.Once
}

// NewPipeline wires a pipeline instance around the given frame source. The
// renderer and hub are shared with the HTTP layer; everything else is owned
// by the instance.
func NewPipeline(cfg *Config, source FrameSource, renderer *OverlayRenderer, hub *Hub, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		logger:   logger,
		source:   source,
		sampler:  NewFrameSampler(cfg.Stride, cfg.MinGap),
		client:   NewDetectionClient(cfg.DetectURL, logger),
		renderer: renderer,
		errs:     NewErrorState(),
		metrics:  &PipelineMetrics{},
		hub:      hub,
		surface:  NewSurface(),
	}
}

// Run drives the pipeline until the context is cancelled or a fatal capture
// failure occurs. Teardown always disposes the frame source and marks the
// instance dead so a late inference completion is a no-op.
func (p *Pipeline) Run(ctx context.Context) error {
	p.alive.Store(true)
	defer p.dispose()

	go p.metrics.report(ctx, p.logger)

	p.logger.Info("Pipeline started",
		"source", p.cfg.Source,
		"stride", p.cfg.Stride,
		"min_gap", p.cfg.MinGap)

	interval := p.source.TickInterval()
	if interval > 0 {
		return p.runTimed(ctx, interval)
	}
	return p.runFramePaced(ctx)
}

// runTimed paces the loop with a fixed wall-clock ticker (remote variant).
// The tick fires whether or not a new image actually arrived; redundant
// inference on an unchanged frame is a documented property of this variant.
func (p *Pipeline) runTimed(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case outcome := <-p.client.Results():
			p.applyResult(outcome)
		case now := <-ticker.C:
			if err := p.step(ctx, now); err != nil {
				return err
			}
		}
	}
}

// runFramePaced lets the blocking device read pace the loop (capture
// variant). Completions are drained without blocking between frames.
func (p *Pipeline) runFramePaced(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case outcome := <-p.client.Results():
			p.applyResult(outcome)
		default:
		}

		if err := p.step(ctx, time.Now()); err != nil {
			return err
		}
	}
}

// step performs one display tick: draw the current frame, then decide
// whether to sample it for inference. Returns a non-nil error only for fatal
// capture failures.
func (p *Pipeline) step(ctx context.Context, now time.Time) error {
	drew, err := p.source.Grab(p.surface)
	if err != nil {
		return p.handleSourceError(err)
	}
	if !drew {
		return nil
	}

	// A successful draw clears the source error channel.
	if p.errs.ClearSource() {
		p.logger.Info("Frame source recovered")
		p.broadcastState()
	}

	p.mu.Lock()
	p.tick++
	tick := p.tick
	lastSample := p.lastSample
	detections := p.detections
	sampleW, sampleH := p.sampleW, p.sampleH
	p.mu.Unlock()

	p.metrics.framesDrawn.Add(1)
	p.metrics.lastFrameTime.Store(now.UnixNano())

	// Sample before the overlay is composed so the inference input is the
	// raw frame, not our own boxes.
	if p.sampler.Eligible(tick, lastSample, now) && !p.client.InFlight() {
		p.submitSample(ctx, now)
	}

	p.renderer.Compose(p.surface, detections, sampleW, sampleH)
	p.renderer.Publish(p.surface)
	return nil
}

// submitSample encodes the current surface and issues the inference request.
// Encoding or submission failures are inference-channel errors; the next
// eligible sample is the retry.
func (p *Pipeline) submitSample(ctx context.Context, now time.Time) {
	w, h := p.surface.Size()
	payload, err := p.surface.EncodeJPEG(p.cfg.JPEGQuality)
	if err != nil {
		p.logger.Error("Failed to encode sample frame", "error", err)
		return
	}

	if err := p.client.Submit(ctx, payload, w, h); err != nil {
		p.logger.Warn("Sample skipped", "reason", err)
		return
	}

	p.mu.Lock()
	p.lastSample = now
	p.mu.Unlock()
	p.metrics.samplesIssued.Add(1)
}

// applyResult merges an inference completion into pipeline state. Success
// atomically replaces the whole detection set; failure keeps the previous
// detections visible (stale-but-present beats blanking) and records the
// error. Runs on the loop goroutine only.
func (p *Pipeline) applyResult(outcome InferenceOutcome) {
	p.client.Release()

	if !p.alive.Load() {
		// Torn down while the request was in flight; discard.
		return
	}

	p.metrics.UpdateInferenceTime(outcome.Elapsed)

	if outcome.Err != nil {
		p.metrics.inferenceFailed.Add(1)
		p.logger.Warn("Inference request failed",
			"request_id", outcome.RequestID,
			"error", outcome.Err,
			"elapsed_ms", outcome.Elapsed.Milliseconds())
		if p.errs.Set(outcome.Err) {
			p.broadcastState()
		}
		return
	}

	p.metrics.inferenceOK.Add(1)

	p.mu.Lock()
	p.detections = outcome.Detections
	p.sampleW = outcome.SampleWidth
	p.sampleH = outcome.SampleHeight
	p.mu.Unlock()

	if p.errs.ClearInference() {
		p.logger.Info("Inference recovered", "request_id", outcome.RequestID)
	}

	p.logger.Debug("Detections updated",
		"request_id", outcome.RequestID,
		"count", len(outcome.Detections),
		"elapsed_ms", outcome.Elapsed.Milliseconds())

	// The annotated image, when present, is the newest content right now;
	// the next raw frame overwrites it on the following tick.
	if len(outcome.Annotated) > 0 {
		p.drawAnnotated(outcome)
	}

	p.broadcastState()
}

// drawAnnotated renders the service-drawn overlay image immediately.
func (p *Pipeline) drawAnnotated(outcome InferenceOutcome) {
	mat, err := gocv.IMDecode(outcome.Annotated, gocv.IMReadColor)
	if err != nil {
		p.logger.Warn("Discarding undecodable annotated frame", "request_id", outcome.RequestID, "error", err)
		return
	}
	defer mat.Close()
	if mat.Empty() || mat.Cols() <= 0 || mat.Rows() <= 0 {
		return
	}
	p.surface.DrawMat(mat)
	p.renderer.Compose(p.surface, outcome.Detections, outcome.SampleWidth, outcome.SampleHeight)
	p.renderer.Publish(p.surface)
}

// handleSourceError records a frame source failure. Capture failures are
// fatal and stop the loop; stream failures keep the loop ticking so
// rendering resumes once the resource recovers.
func (p *Pipeline) handleSourceError(err error) error {
	p.metrics.sourceErrors.Add(1)

	var perr *PipelineError
	if !errors.As(err, &perr) {
		perr = newStreamError("frame source failed", err)
	}

	if p.errs.Set(perr) {
		p.logger.Error("Frame source error", "kind", perr.Kind.String(), "error", perr)
		p.broadcastState()
	}

	if perr.Kind == CaptureFailure {
		return perr
	}
	return nil
}

// Snapshot returns the current pipeline state for the UI layer.
func (p *Pipeline) Snapshot() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	detections := make([]Detection, len(p.detections))
	copy(detections, p.detections)
	return PipelineState{
		Tick:       p.tick,
		InFlight:   p.client.InFlight(),
		Detections: detections,
		Error:      p.errs.Current(),
	}
}

// broadcastState pushes a state snapshot to the connected UI clients.
func (p *Pipeline) broadcastState() {
	if p.hub == nil {
		return
	}
	msg, err := json.Marshal(p.Snapshot())
	if err != nil {
		p.logger.Error("Failed to marshal pipeline state", "error", err)
		return
	}
	p.hub.Broadcast(msg)
}

// dispose tears the instance down: mark dead first so a late inference
// completion cannot mutate state, then release the frame source and the
// surface. Idempotent.
func (p *Pipeline) dispose() {
	p.disposeOnce.Do(func() {
		p.alive.Store(false)
		if err := p.source.Dispose(); err != nil {
			p.logger.Error("Failed to dispose frame source", "error", err)
		}
		p.surface.Close()
		p.logger.Info("Pipeline stopped",
			"frames_drawn", p.metrics.framesDrawn.Load(),
			"samples_issued", p.metrics.samplesIssued.Load())
	})
}
