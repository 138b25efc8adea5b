package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// genericDetectFailure is surfaced when the service gives no usable detail.
const genericDetectFailure = "Detection failed"

// InferenceOutcome is the resolution of a single detection request, delivered
// to the pipeline loop on the client's result channel. Exactly one outcome is
// produced per issued request, on every exit path.
type InferenceOutcome struct {
	// RequestID correlates log lines for this request.
	RequestID uuid.UUID

	// Detections is the parsed detection set, in service order.
	Detections []Detection

	// Annotated holds the decoded JPEG bytes of the service-drawn overlay
	// image, when the service returned one.
	Annotated []byte

	// SampleWidth and SampleHeight are the pixel dimensions of the frame
	// that was sent, for bbox scaling at render time.
	SampleWidth  int
	SampleHeight int

	// Err is non-nil when the request failed. Kind is always
	// InferenceFailure; the message is the service detail when available.
	Err *PipelineError

	Elapsed time.Duration
}

// DetectionClient performs asynchronous inference requests against the
// detection service with at-most-one-in-flight semantics. The in-flight flag
// is set synchronously before the request starts and stays set until the
// pipeline loop consumes the outcome; a slow service therefore causes
// subsequent sample opportunities to be skipped rather than queued.
//
// The client never retries; the next eligible sample is the retry.
type DetectionClient struct {
	url    string
	httpc  *http.Client
	logger *slog.Logger

	inFlight atomic.Bool
	results  chan InferenceOutcome
}

// NewDetectionClient creates a client for the given /detect endpoint.
// No overall request timeout is imposed here: a hung backend manifests as a
// permanently in-flight request that a supervising caller may bound.
func NewDetectionClient(url string, logger *slog.Logger) *DetectionClient {
	return &DetectionClient{
		url:    url,
		httpc:  &http.Client{},
		logger: logger,
		// Capacity 1 so a late completion never blocks its goroutine, even
		// after the pipeline loop has gone away.
		results: make(chan InferenceOutcome, 1),
	}
}

// Results is the channel the pipeline loop selects on for completions.
func (c *DetectionClient) Results() <-chan InferenceOutcome { return c.results }

// InFlight reports whether a request is currently outstanding.
func (c *DetectionClient) InFlight() bool { return c.inFlight.Load() }

// Release marks the outstanding request as consumed. Called by the pipeline
// loop when it applies an outcome, on success and failure alike.
func (c *DetectionClient) Release() { c.inFlight.Store(false) }

// Submit issues one asynchronous inference request for the given JPEG
// payload. The caller must check InFlight first; Submit rejects a second
// outstanding request as a defensive measure. The in-flight flag is raised
// before the goroutine starts so the decision is race-free within the loop.
func (c *DetectionClient) Submit(ctx context.Context, payload []byte, width, height int) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("inference request already in flight")
	}

	id := uuid.New()
	started := time.Now()

	c.logger.Debug("Issuing inference request",
		"request_id", id,
		"payload_bytes", len(payload),
		"frame_width", width,
		"frame_height", height)

	go func() {
		outcome := c.do(ctx, id, payload)
		outcome.SampleWidth = width
		outcome.SampleHeight = height
		outcome.Elapsed = time.Since(started)
		c.results <- outcome
	}()

	return nil
}

// do performs the HTTP round trip and builds the outcome. Every return path
// yields exactly one outcome.
func (c *DetectionClient) do(ctx context.Context, id uuid.UUID, payload []byte) InferenceOutcome {
	body, err := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return InferenceOutcome{RequestID: id, Err: newInferenceError(genericDetectFailure, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return InferenceOutcome{RequestID: id, Err: newInferenceError(genericDetectFailure, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return InferenceOutcome{RequestID: id, Err: newInferenceError(genericDetectFailure, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return InferenceOutcome{RequestID: id, Err: newInferenceError(genericDetectFailure, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return InferenceOutcome{RequestID: id, Err: newInferenceError(detailMessage(raw), fmt.Errorf("detect returned status %d", resp.StatusCode))}
	}

	var parsed detectResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return InferenceOutcome{RequestID: id, Err: newInferenceError(genericDetectFailure, fmt.Errorf("decoding detect response: %w", err))}
	}

	outcome := InferenceOutcome{
		RequestID:  id,
		Detections: parseDetections(parsed.Detections),
	}

	if parsed.ProcessedImage != "" {
		annotated, err := base64.StdEncoding.DecodeString(parsed.ProcessedImage)
		if err != nil {
			// A bad annotated image does not invalidate the detections.
			c.logger.Warn("Discarding undecodable processed image",
				"request_id", id,
				"error", err)
		} else {
			outcome.Annotated = annotated
		}
	}

	return outcome
}

// detailMessage extracts the service's human-readable detail from a failure
// body, falling back to the generic message when absent or unparsable.
func detailMessage(raw []byte) string {
	var de detectError
	if err := json.Unmarshal(raw, &de); err != nil || de.Detail == "" {
		return genericDetectFailure
	}
	return de.Detail
}
