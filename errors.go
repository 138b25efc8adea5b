package main

import (
	"fmt"
	"sync"
	"time"
)

// ErrorKind classifies the failure conditions the pipeline can be in.
type ErrorKind int

const (
	// CaptureFailure means the capture device is unavailable or access was
	// denied. Fatal to the pipeline until the caller starts it again.
	CaptureFailure ErrorKind = iota
	// StreamFailure means the remote image resource failed to load.
	// Recoverable; cleared on the next successful draw.
	StreamFailure
	// InferenceFailure means a detection request failed. Recoverable; cleared
	// on the next successful response while stale detections stay visible.
	InferenceFailure
)

// String returns a string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case CaptureFailure:
		return "capture"
	case StreamFailure:
		return "stream"
	case InferenceFailure:
		return "inference"
	default:
		return "unknown"
	}
}

// PipelineError is a classified, local-only pipeline failure. It never
// propagates past the pipeline boundary; it is captured into ErrorState and
// surfaced to the UI layer as a message.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *PipelineError) Unwrap() error { return e.cause }

func newCaptureError(msg string, cause error) *PipelineError {
	return &PipelineError{Kind: CaptureFailure, Message: msg, cause: cause}
}

func newStreamError(msg string, cause error) *PipelineError {
	return &PipelineError{Kind: StreamFailure, Message: msg, cause: cause}
}

func newInferenceError(msg string, cause error) *PipelineError {
	return &PipelineError{Kind: InferenceFailure, Message: msg, cause: cause}
}

// ErrorInfo is the read-only error snapshot handed to the UI layer.
type ErrorInfo struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// flaggedError is an ErrorState slot with a sequence number so the most
// recently failing channel wins the UI surface.
type flaggedError struct {
	info ErrorInfo
	seq  uint64
}

// ErrorState tracks the current failure condition of the pipeline. The source
// channel (capture/stream) and the inference channel are logically
// independent: each is overwritten by its most recent failure and cleared by
// the next success in the same channel. The UI surfaces only the latest of
// the two.
//
// The pipeline loop is the only writer; HTTP handlers read snapshots, hence
// the mutex.
type ErrorState struct {
	mu        sync.Mutex
	seq       uint64
	source    *flaggedError
	inference *flaggedError
}

// NewErrorState returns an empty ErrorState.
func NewErrorState() *ErrorState { return &ErrorState{} }

// Set records a failure in the channel implied by the error's kind and
// returns true when the surfaced condition changed.
func (s *ErrorState) Set(err *PipelineError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	fe := &flaggedError{
		info: ErrorInfo{Kind: err.Kind.String(), Message: err.Message, At: time.Now()},
		seq:  s.seq,
	}

	switch err.Kind {
	case InferenceFailure:
		changed := s.inference == nil || s.inference.info.Message != fe.info.Message
		s.inference = fe
		return changed
	default:
		changed := s.source == nil || s.source.info.Message != fe.info.Message
		s.source = fe
		return changed
	}
}

// ClearSource clears the capture/stream channel. Returns true when an error
// was present.
func (s *ErrorState) ClearSource() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.source != nil
	s.source = nil
	return had
}

// ClearInference clears the inference channel. Returns true when an error
// was present.
func (s *ErrorState) ClearInference() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.inference != nil
	s.inference = nil
	return had
}

// Current returns the most recently recorded failure across both channels,
// or nil when the pipeline is healthy.
func (s *ErrorState) Current() *ErrorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.source
	if s.inference != nil && (latest == nil || s.inference.seq > latest.seq) {
		latest = s.inference
	}
	if latest == nil {
		return nil
	}
	info := latest.info
	return &info
}
