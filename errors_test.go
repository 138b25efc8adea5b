package main

import (
	"testing"
)

func TestErrorStateLatestWins(t *testing.T) {
	s := NewErrorState()

	if s.Current() != nil {
		t.Fatal("fresh state should have no current error")
	}

	s.Set(newStreamError("stream down", nil))
	if cur := s.Current(); cur == nil || cur.Kind != "stream" {
		t.Fatalf("Current() = %+v, want stream error", cur)
	}

	s.Set(newInferenceError("Detection failed", nil))
	if cur := s.Current(); cur == nil || cur.Kind != "inference" {
		t.Fatalf("Current() = %+v, want inference error to win as latest", cur)
	}

	// A newer source failure overtakes the inference one.
	s.Set(newCaptureError("device denied", nil))
	if cur := s.Current(); cur == nil || cur.Kind != "capture" {
		t.Fatalf("Current() = %+v, want capture error to win as latest", cur)
	}
}

// The two error channels clear independently: a successful frame draw clears
// a stream error but must not clear an inference error, and vice versa.
func TestErrorStateChannelsIndependent(t *testing.T) {
	s := NewErrorState()
	s.Set(newStreamError("stream down", nil))
	s.Set(newInferenceError("Detection failed", nil))

	if !s.ClearSource() {
		t.Fatal("ClearSource should report a cleared error")
	}
	if cur := s.Current(); cur == nil || cur.Kind != "inference" {
		t.Fatalf("Current() = %+v, want inference error to survive source clear", cur)
	}

	if !s.ClearInference() {
		t.Fatal("ClearInference should report a cleared error")
	}
	if s.Current() != nil {
		t.Fatal("state should be healthy after both channels cleared")
	}

	// Clearing an already-clear channel is a no-op.
	if s.ClearSource() || s.ClearInference() {
		t.Fatal("clearing healthy channels should report no change")
	}
}

func TestErrorStateSetReportsTransitions(t *testing.T) {
	s := NewErrorState()

	if !s.Set(newInferenceError("Detection failed", nil)) {
		t.Fatal("first failure should be a transition")
	}
	if s.Set(newInferenceError("Detection failed", nil)) {
		t.Fatal("repeating the same message should not be a transition")
	}
	if !s.Set(newInferenceError("timeout talking to service", nil)) {
		t.Fatal("a different message should be a transition")
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := &PipelineError{Kind: StreamFailure, Message: "inner"}
	err := newStreamError("outer", cause)
	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}
