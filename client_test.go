package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitOutcome reads one outcome or fails the test after a deadline.
func waitOutcome(t *testing.T, c *DetectionClient) InferenceOutcome {
	t.Helper()
	select {
	case outcome := <-c.Results():
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inference outcome")
		return InferenceOutcome{}
	}
}

func TestClientParsesSuccessResponse(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class": "person", "confidence": 0.87, "bbox": []float64{10, 20, 100, 200}},
				{"class": "chair", "confidence": 0.55, "bbox": []float64{0, 0, 30, 40}},
			},
		})
	}))
	defer srv.Close()

	c := NewDetectionClient(srv.URL, testLogger())
	payload := []byte{0xff, 0xd8, 0xff, 0xe0}
	if err := c.Submit(context.Background(), payload, 640, 480); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	outcome := waitOutcome(t, c)
	if outcome.Err != nil {
		t.Fatalf("outcome.Err = %v, want nil", outcome.Err)
	}
	if len(outcome.Detections) != 2 {
		t.Fatalf("got %d detections, want 2", len(outcome.Detections))
	}
	// Service order is preserved.
	if outcome.Detections[0].Class != "person" || outcome.Detections[1].Class != "chair" {
		t.Errorf("detections out of service order: %+v", outcome.Detections)
	}
	if outcome.SampleWidth != 640 || outcome.SampleHeight != 480 {
		t.Errorf("sample dimensions = %dx%d, want 640x480", outcome.SampleWidth, outcome.SampleHeight)
	}

	// The request body carries the payload base64-encoded, no data-URI prefix.
	want := base64.StdEncoding.EncodeToString(payload)
	if gotBody["image"] != want {
		t.Errorf("request image = %q, want %q", gotBody["image"], want)
	}
}

func TestClientSurfacesServiceDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid image data"})
	}))
	defer srv.Close()

	c := NewDetectionClient(srv.URL, testLogger())
	if err := c.Submit(context.Background(), []byte{1}, 10, 10); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	outcome := waitOutcome(t, c)
	if outcome.Err == nil {
		t.Fatal("outcome.Err = nil, want inference error")
	}
	if outcome.Err.Kind != InferenceFailure {
		t.Errorf("Kind = %v, want InferenceFailure", outcome.Err.Kind)
	}
	if outcome.Err.Message != "Invalid image data" {
		t.Errorf("Message = %q, want service detail verbatim", outcome.Err.Message)
	}
}

func TestClientFallsBackToGenericMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := NewDetectionClient(srv.URL, testLogger())
	if err := c.Submit(context.Background(), []byte{1}, 10, 10); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	outcome := waitOutcome(t, c)
	if outcome.Err == nil || outcome.Err.Message != genericDetectFailure {
		t.Errorf("outcome.Err = %v, want generic %q message", outcome.Err, genericDetectFailure)
	}
}

func TestClientTransportErrorYieldsOutcome(t *testing.T) {
	// Point at a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewDetectionClient(url, testLogger())
	if err := c.Submit(context.Background(), []byte{1}, 10, 10); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	outcome := waitOutcome(t, c)
	if outcome.Err == nil {
		t.Fatal("outcome.Err = nil, want transport failure")
	}
	if !c.InFlight() {
		t.Error("request should stay in flight until the outcome is consumed and released")
	}
	c.Release()
	if c.InFlight() {
		t.Error("Release() should clear the in-flight flag")
	}
}

// At-most-one-in-flight: a second Submit while a request is outstanding is
// rejected, and the flag transitions true->false exactly once per request.
func TestClientSingleInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(map[string]any{"detections": []any{}})
	}))
	defer srv.Close()

	c := NewDetectionClient(srv.URL, testLogger())
	if err := c.Submit(context.Background(), []byte{1}, 10, 10); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if !c.InFlight() {
		t.Fatal("InFlight should be true immediately after Submit")
	}
	if err := c.Submit(context.Background(), []byte{2}, 10, 10); err == nil {
		t.Fatal("second Submit() should be rejected while in flight")
	}

	close(release)
	outcome := waitOutcome(t, c)
	if outcome.Err != nil {
		t.Fatalf("outcome.Err = %v, want nil", outcome.Err)
	}
	c.Release()

	// A new request is allowed once the previous one is consumed.
	if err := c.Submit(context.Background(), []byte{3}, 10, 10); err != nil {
		t.Fatalf("Submit() after release error = %v", err)
	}
	waitOutcome(t, c)
	c.Release()
}

// An empty detections array is a valid result that replaces the previous
// set, clearing all overlay boxes.
func TestClientEmptyDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"detections": []any{}})
	}))
	defer srv.Close()

	c := NewDetectionClient(srv.URL, testLogger())
	if err := c.Submit(context.Background(), []byte{1}, 10, 10); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	outcome := waitOutcome(t, c)
	if outcome.Err != nil {
		t.Fatalf("outcome.Err = %v, want nil", outcome.Err)
	}
	if outcome.Detections == nil || len(outcome.Detections) != 0 {
		t.Errorf("Detections = %v, want empty non-nil set", outcome.Detections)
	}
}

func TestClientDecodesProcessedImage(t *testing.T) {
	annotated := []byte{0xff, 0xd8, 0xff, 0xd9}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"detections":      []any{},
			"processed_image": base64.StdEncoding.EncodeToString(annotated),
		})
	}))
	defer srv.Close()

	c := NewDetectionClient(srv.URL, testLogger())
	if err := c.Submit(context.Background(), []byte{1}, 10, 10); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	outcome := waitOutcome(t, c)
	if string(outcome.Annotated) != string(annotated) {
		t.Errorf("Annotated = %v, want %v", outcome.Annotated, annotated)
	}
}
