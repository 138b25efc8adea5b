package main

import (
	"fmt"
	"math"
)

// BBox is a bounding box in source-pixel coordinates of the frame that was
// sent for inference.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a single object reported by the inference service. Immutable
// once received; a completed request replaces the whole detection set
// atomically, never partially.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"bbox"`
}

// Label renders the overlay label for this detection, e.g. "person: 87%".
func (d Detection) Label() string {
	return fmt.Sprintf("%s: %d%%", d.Class, int(math.Round(d.Confidence*100)))
}

// detectionWire mirrors the service JSON shape, bbox as a flat array.
type detectionWire struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	Bbox       []float64 `json:"bbox"`
}

// detectResponse is the success body of POST /detect.
type detectResponse struct {
	Detections     []detectionWire `json:"detections"`
	ProcessedImage string          `json:"processed_image"`
}

// detectError is the failure body of POST /detect.
type detectError struct {
	Detail string `json:"detail"`
}

// parseDetections converts wire detections into the internal representation,
// preserving service order. Entries with a malformed bbox are skipped rather
// than failing the whole response.
func parseDetections(wire []detectionWire) []Detection {
	out := make([]Detection, 0, len(wire))
	for _, w := range wire {
		if len(w.Bbox) != 4 {
			continue
		}
		out = append(out, Detection{
			Class:      w.Class,
			Confidence: w.Confidence,
			Box:        BBox{X: w.Bbox[0], Y: w.Bbox[1], Width: w.Bbox[2], Height: w.Bbox[3]},
		})
	}
	return out
}
