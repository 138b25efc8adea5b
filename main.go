// Command stream-overlay renders a live video feed with object-detection
// overlays produced by a remote inference service.
//
// Frames come either from a local capture device or from a
// continuously-updating remote image stream. Every Nth frame (subject to a
// minimum time gap) is sampled and sent to the detection service, with at
// most one request in flight; results are merged back onto the live surface
// without ever stalling the video. The composited surface is served as an
// MJPEG stream, and detection/error state is pushed to UI clients over a
// WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	switch format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting detection overlay pipeline",
		"source", cfg.Source,
		"detect_url", cfg.DetectURL,
		"stride", cfg.Stride,
		"min_gap", cfg.MinGap,
		"listen", cfg.Listen)

	// Create context for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	server := NewServer(cfg, logger)
	if err := server.Run(ctx); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Detection overlay pipeline stopped")
}
