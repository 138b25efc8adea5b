package main

import (
	"image"
	"image/color"
	"log/slog"
	"math"

	"github.com/yiqisoft/mjpeg"
	"gocv.io/x/gocv"
)

// Overlay drawing style, shared by both source variants.
var overlayColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

const (
	overlayFont          = gocv.FontHersheyPlain
	overlayFontScale     = 1.2
	overlayFontThickness = 2
	overlayBoxThickness  = 2
	overlayLabelOffset   = 10
)

// OverlayRenderer composes detection overlays onto the surface and publishes
// the result to the viewer MJPEG stream. Rendering is deterministic and
// idempotent per tick, and never blocks on the detection client: a frame is
// drawn with the last-known detection set even while a request is in flight.
type OverlayRenderer struct {
	logger  *slog.Logger
	stream  *mjpeg.Stream
	quality int
}

// NewOverlayRenderer creates a renderer publishing to the given MJPEG stream.
func NewOverlayRenderer(stream *mjpeg.Stream, quality int, logger *slog.Logger) *OverlayRenderer {
	return &OverlayRenderer{logger: logger, stream: stream, quality: quality}
}

// Compose draws each detection as a box and a label onto the surface, with
// bbox coordinates scaled from the sampled frame's dimensions to the
// surface's current dimensions.
func (r *OverlayRenderer) Compose(surface *Surface, detections []Detection, sampleW, sampleH int) {
	if surface.Empty() {
		return
	}
	surfW, surfH := surface.Size()
	for _, d := range detections {
		rect := scaledRect(d.Box, sampleW, sampleH, surfW, surfH)
		gocv.Rectangle(surface.Mat(), rect, overlayColor, overlayBoxThickness)
		gocv.PutText(surface.Mat(), d.Label(), labelAnchor(rect), overlayFont, overlayFontScale, overlayColor, overlayFontThickness)
	}
}

// Publish encodes the surface and pushes it to the viewer stream.
func (r *OverlayRenderer) Publish(surface *Surface) {
	if surface.Empty() {
		return
	}
	data, err := surface.EncodeJPEG(r.quality)
	if err != nil {
		r.logger.Error("Failed to encode surface for viewer stream", "error", err)
		return
	}
	r.stream.UpdateJPEG(data)
}

// scaledRect maps a bbox from the sampled frame's pixel space into the
// surface's pixel space. When the sample dimensions are unknown or equal to
// the surface, the box passes through unchanged.
func scaledRect(b BBox, sampleW, sampleH, surfW, surfH int) image.Rectangle {
	sx, sy := 1.0, 1.0
	if sampleW > 0 && sampleH > 0 && (sampleW != surfW || sampleH != surfH) {
		sx = float64(surfW) / float64(sampleW)
		sy = float64(surfH) / float64(sampleH)
	}
	return image.Rect(
		int(math.Round(b.X*sx)),
		int(math.Round(b.Y*sy)),
		int(math.Round((b.X+b.Width)*sx)),
		int(math.Round((b.Y+b.Height)*sy)),
	)
}

// labelAnchor places the label just above its box, clamped so it stays on
// the surface for boxes touching the top edge.
func labelAnchor(rect image.Rectangle) image.Point {
	y := rect.Min.Y - overlayLabelOffset
	if y < overlayLabelOffset {
		y = rect.Min.Y + overlayLabelOffset
	}
	return image.Pt(rect.Min.X, y)
}
