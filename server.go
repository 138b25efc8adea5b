package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yiqisoft/mjpeg"
)

// Server exposes the viewer surface over HTTP: the composited MJPEG stream,
// the WebSocket state channel, and the pipeline start/stop controls that
// form the only inbound edge of the UI boundary.
type Server struct {
	cfg      *Config
	logger   *slog.Logger
	hub      *Hub
	stream   *mjpeg.Stream
	renderer *OverlayRenderer
	upgrader websocket.Upgrader

	mu       sync.Mutex
	baseCtx  context.Context
	pipeline *Pipeline
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer wires the shared viewer stream, renderer and hub.
func NewServer(cfg *Config, logger *slog.Logger) *Server {
	stream := mjpeg.NewStream()
	return &Server{
		cfg:      cfg,
		logger:   logger,
		hub:      NewHub(logger),
		stream:   stream,
		renderer: NewOverlayRenderer(stream, cfg.JPEGQuality, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from a different origin in development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// newSource constructs the configured frame source variant.
func (s *Server) newSource() (FrameSource, error) {
	switch s.cfg.Source {
	case SourceCapture:
		return NewCaptureSource(s.cfg.Device, s.logger)
	case SourceRemote:
		return NewRemoteSource(s.cfg.StreamURL, s.cfg.RequestOverlay, s.cfg.RemoteTick, s.logger)
	default:
		return nil, fmt.Errorf("unknown source kind %q", s.cfg.Source)
	}
}

// StartPipeline creates a pipeline instance and runs it on its own
// goroutine. Returns an error when one is already running or the frame
// source cannot be set up.
func (s *Server) StartPipeline(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline != nil {
		return fmt.Errorf("pipeline is already running")
	}

	source, err := s.newSource()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	pipeline := NewPipeline(s.cfg, source, s.renderer, s.hub, s.logger)
	done := make(chan struct{})

	s.pipeline = pipeline
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		if err := pipeline.Run(ctx); err != nil {
			s.logger.Error("Pipeline terminated", "error", err)
		}
		cancel()
		s.mu.Lock()
		if s.pipeline == pipeline {
			s.pipeline = nil
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()
	}()

	return nil
}

// StopPipeline cancels the running pipeline and waits for its teardown.
func (s *Server) StopPipeline() error {
	s.mu.Lock()
	if s.pipeline == nil {
		s.mu.Unlock()
		return fmt.Errorf("pipeline is not running")
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Routes builds the HTTP handler set.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /stream", s.stream)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /pipeline/status", s.handleStatus)
	mux.HandleFunc("POST /pipeline/start", s.handleStart)
	mux.HandleFunc("POST /pipeline/stop", s.handleStop)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// handleWS upgrades the connection and registers it with the hub. The
// current snapshot is sent immediately so a late-joining client does not
// wait for the next transition.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	if snapshot, ok := s.snapshot(); ok {
		if msg, err := json.Marshal(snapshot); err == nil {
			conn.WriteMessage(websocket.TextMessage, msg)
		}
	}

	s.hub.Register(conn)

	// Drain (and discard) client frames to detect the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(conn)
				return
			}
		}
	}()
}

// snapshot returns the running pipeline's state, if any.
func (s *Server) snapshot() (PipelineState, bool) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return PipelineState{}, false
	}
	return pipeline.Snapshot(), true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snapshot, ok := s.snapshot()
	if !ok {
		json.NewEncoder(w).Encode(map[string]bool{"running": false})
		return
	}
	json.NewEncoder(w).Encode(struct {
		Running bool `json:"running"`
		PipelineState
	}{Running: true, PipelineState: snapshot})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// The pipeline must outlive this request; it runs under the server's
	// context, not the request context.
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if err := s.StartPipeline(base); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.StopPipeline(); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// Run serves HTTP until the context is cancelled, optionally autostarting
// the pipeline. The pipeline outlives individual requests, so it runs under
// the server's context, not a request context.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	go s.hub.Run(ctx)

	if s.cfg.Autostart {
		if err := s.StartPipeline(ctx); err != nil {
			return fmt.Errorf("autostarting pipeline: %w", err)
		}
	}

	httpSrv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Routes(),
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Viewer endpoints listening", "addr", s.cfg.Listen)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		// Stop the pipeline before the listener so teardown is clean.
		s.mu.Lock()
		running := s.pipeline != nil
		s.mu.Unlock()
		if running {
			if err := s.StopPipeline(); err != nil {
				s.logger.Warn("Pipeline stop during shutdown", "error", err)
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
