package main

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Surface is the shared drawable surface the pipeline composes onto. Its
// pixel dimensions are re-derived from the source frame whenever they change
// (first frame, resolution switch), never hard-coded.
//
// A Surface is owned by a single pipeline instance and is only touched from
// the pipeline loop.
type Surface struct {
	mat    gocv.Mat
	width  int
	height int
	closed bool
}

// NewSurface returns an empty surface. Close must be called to release it.
func NewSurface() *Surface {
	return &Surface{mat: gocv.NewMat()}
}

// DrawMat copies src onto the surface, resizing the surface to the source's
// natural dimensions. Returns true when the surface dimensions changed.
func (s *Surface) DrawMat(src gocv.Mat) bool {
	w, h := src.Cols(), src.Rows()
	resized := w != s.width || h != s.height
	s.width, s.height = w, h
	src.CopyTo(&s.mat)
	return resized
}

// Size returns the current surface dimensions in pixels.
func (s *Surface) Size() (width, height int) { return s.width, s.height }

// Mat exposes the underlying pixel buffer for overlay drawing.
func (s *Surface) Mat() *gocv.Mat { return &s.mat }

// Empty reports whether no frame has been drawn yet.
func (s *Surface) Empty() bool { return s.mat.Empty() }

// EncodeJPEG returns the surface content as a JPEG at the given quality.
func (s *Surface) EncodeJPEG(quality int) ([]byte, error) {
	if s.mat.Empty() {
		return nil, fmt.Errorf("surface is empty")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, s.mat, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("encoding surface: %w", err)
	}
	defer buf.Close()
	// The native buffer is freed on Close; hand back a Go-owned copy.
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// Close releases the underlying buffer. Safe to call more than once.
func (s *Surface) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.mat.Close()
	s.width, s.height = 0, 0
}

// FrameSource supplies renderable video frames to the pipeline loop. Two
// variants exist: CaptureSource owns a local capture device, RemoteSource
// consumes a continuously-updating HTTP image resource. The sampler, client,
// renderer and error components are shared between them unchanged.
type FrameSource interface {
	// Grab draws the most recent source frame onto dst and reports whether a
	// frame was drawn. Errors are classified PipelineErrors: CaptureFailure
	// is fatal to the pipeline, StreamFailure is recoverable and rendering
	// resumes once the resource loads again.
	Grab(dst *Surface) (bool, error)

	// TickInterval is the pacing of the pipeline loop for this source. Zero
	// means the loop is paced by Grab itself (the capture device blocks
	// until the next frame); a positive value is a fixed wall-clock period.
	TickInterval() time.Duration

	// Dispose releases the source's resources: device tracks, reader
	// goroutines, decoded frames. Idempotent; always runs on pipeline
	// teardown, including teardown triggered mid-failure.
	Dispose() error
}
