package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Ideal capture parameters requested from the device. The negotiated values
// may differ and are read back after the stream is obtained.
const (
	idealCaptureWidth  = 1280
	idealCaptureHeight = 720
	idealCaptureFPS    = 30
)

// CaptureSource owns a local video capture device and supplies its frames to
// the pipeline. Device failures are fatal to the pipeline until the caller
// sets the source up again.
type CaptureSource struct {
	logger *slog.Logger

	capture *gocv.VideoCapture
	frame   gocv.Mat

	// Negotiated stream parameters, read back after opening.
	width  int
	height int
	fps    float64

	disposeOnce sync.Once
	disposed    bool
}

// NewCaptureSource opens the capture device and negotiates the stream
// format. Returns a CaptureFailure-classified error when the device is
// unavailable or access is denied.
func NewCaptureSource(device int, logger *slog.Logger) (*CaptureSource, error) {
	capture, err := gocv.VideoCaptureDevice(device)
	if err != nil {
		return nil, newCaptureError(fmt.Sprintf("capture device %d unavailable", device), err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, newCaptureError(fmt.Sprintf("capture device %d could not be opened", device), nil)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, idealCaptureWidth)
	capture.Set(gocv.VideoCaptureFrameHeight, idealCaptureHeight)
	capture.Set(gocv.VideoCaptureFPS, idealCaptureFPS)

	src := &CaptureSource{
		logger:  logger,
		capture: capture,
		frame:   gocv.NewMat(),
		width:   int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:  int(capture.Get(gocv.VideoCaptureFrameHeight)),
		fps:     capture.Get(gocv.VideoCaptureFPS),
	}

	logger.Info("Capture device opened",
		"device", device,
		"requested", fmt.Sprintf("%dx%d@%d", idealCaptureWidth, idealCaptureHeight, idealCaptureFPS),
		"negotiated", fmt.Sprintf("%dx%d@%.0f", src.width, src.height, src.fps))

	return src, nil
}

// Grab reads the next device frame and draws it onto dst. The device read
// blocks until a frame is available, which paces the pipeline loop at the
// stream's frame rate.
func (c *CaptureSource) Grab(dst *Surface) (bool, error) {
	if c.disposed {
		return false, newCaptureError("capture device is disposed", nil)
	}
	if !c.capture.Read(&c.frame) {
		return false, newCaptureError("failed to read frame from capture device", nil)
	}
	if c.frame.Empty() || c.frame.Cols() <= 0 || c.frame.Rows() <= 0 {
		return false, nil
	}
	dst.DrawMat(c.frame)
	return true, nil
}

// TickInterval is zero: the loop is paced by the blocking device read.
func (c *CaptureSource) TickInterval() time.Duration { return 0 }

// Dispose stops the device stream and releases its buffers. Idempotent.
func (c *CaptureSource) Dispose() error {
	var err error
	c.disposeOnce.Do(func() {
		c.disposed = true
		if cerr := c.capture.Close(); cerr != nil {
			err = fmt.Errorf("closing capture device: %w", cerr)
		}
		c.frame.Close()
		c.logger.Debug("Capture device released")
	})
	return err
}
