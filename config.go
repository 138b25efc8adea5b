package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// SourceKind selects which frame source variant the pipeline runs with.
type SourceKind string

const (
	// SourceCapture acquires frames from a local capture device.
	SourceCapture SourceKind = "capture"
	// SourceRemote consumes a continuously-refreshing HTTP image resource.
	SourceRemote SourceKind = "remote"
)

// Config holds the application configuration. Values are resolved with the
// precedence flag > environment > built-in default. Environment defaults may
// be provided through a .env file (loaded with godotenv).
type Config struct {
	// Source selects the frame source variant: "capture" or "remote".
	Source SourceKind

	// Device is the capture device ID used by the capture variant.
	Device int

	// StreamURL is the remote image resource consumed by the remote variant.
	StreamURL string

	// RequestOverlay appends enable_detection=true to the remote stream URL,
	// asking the server to draw its own overlay. The pipeline treats the
	// resource as an opaque image either way.
	RequestOverlay bool

	// DetectURL is the inference service endpoint (POST /detect).
	DetectURL string

	// Stride is the number of frame ticks between eligible inference attempts.
	Stride int

	// MinGap is the minimum wall-clock time between inference requests.
	MinGap time.Duration

	// RemoteTick is the fixed draw period of the remote-stream variant.
	// The capture variant paces itself on device frames instead.
	RemoteTick time.Duration

	// JPEGQuality is the encoding quality for sampled frames and the
	// viewer stream, 1-100.
	JPEGQuality int

	// Listen is the HTTP listen address for the viewer endpoints.
	Listen string

	// Autostart starts the pipeline immediately instead of waiting for
	// POST /pipeline/start.
	Autostart bool

	LogFormat string
}

// envString returns the named environment variable or the fallback.
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the named environment variable coerced to int, or the fallback.
func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := cast.ToIntE(v); err == nil {
			return n
		}
	}
	return fallback
}

// envBool returns the named environment variable coerced to bool, or the fallback.
func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration returns the named environment variable coerced to a duration,
// or the fallback.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parseFlags parses command-line arguments on top of environment defaults and
// returns the validated application configuration.
func parseFlags(args []string) (*Config, error) {
	// A .env file is optional; a missing file is not an error.
	_ = godotenv.Load()

	// Create a new FlagSet to avoid global flag conflicts in tests.
	fs := flag.NewFlagSet("stream-overlay", flag.ContinueOnError)

	var (
		source      = fs.String("source", envString("SOURCE", string(SourceCapture)), "Frame source variant: capture or remote")
		device      = fs.Int("device", envInt("CAPTURE_DEVICE", 0), "Capture device ID (capture variant)")
		streamURL   = fs.String("stream-url", envString("STREAM_URL", ""), "Remote image resource URL (remote variant)")
		overlay     = fs.Bool("request-overlay", envBool("REQUEST_OVERLAY", false), "Request server-side detection overlay on the remote stream")
		detectURL   = fs.String("detect-url", envString("DETECT_URL", ""), "Inference service /detect endpoint (required)")
		stride      = fs.Int("stride", envInt("SAMPLE_STRIDE", 5), "Sample every Nth frame tick")
		minGap      = fs.Duration("min-gap", envDuration("SAMPLE_MIN_GAP", 500*time.Millisecond), "Minimum time between inference requests")
		remoteTick  = fs.Duration("remote-tick", envDuration("REMOTE_TICK", 100*time.Millisecond), "Draw period of the remote-stream variant")
		jpegQuality = fs.Int("jpeg-quality", envInt("JPEG_QUALITY", 80), "JPEG quality for sampled frames and the viewer stream (1-100)")
		listen      = fs.String("listen", envString("LISTEN_ADDR", ":8080"), "HTTP listen address for viewer endpoints")
		autostart   = fs.Bool("autostart", envBool("AUTOSTART", true), "Start the pipeline immediately")
		logfmt      = fs.String("logfmt", envString("LOG_FORMAT", "json"), "Log format: json or kv")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Source:         SourceKind(*source),
		Device:         *device,
		StreamURL:      *streamURL,
		RequestOverlay: *overlay,
		DetectURL:      *detectURL,
		Stride:         *stride,
		MinGap:         *minGap,
		RemoteTick:     *remoteTick,
		JPEGQuality:    *jpegQuality,
		Listen:         *listen,
		Autostart:      *autostart,
		LogFormat:      *logfmt,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks cross-field constraints after flag and environment resolution.
func (c *Config) validate() error {
	switch c.Source {
	case SourceCapture:
		if c.Device < 0 {
			return fmt.Errorf("device must be >= 0")
		}
	case SourceRemote:
		if c.StreamURL == "" {
			return fmt.Errorf("stream-url flag is required for the remote source")
		}
		if c.RemoteTick <= 0 {
			return fmt.Errorf("remote-tick must be positive")
		}
	default:
		return fmt.Errorf("source must be %q or %q", SourceCapture, SourceRemote)
	}

	if c.DetectURL == "" {
		return fmt.Errorf("detect-url flag is required")
	}

	if c.Stride < 1 {
		return fmt.Errorf("stride must be >= 1")
	}

	if c.MinGap < 0 {
		return fmt.Errorf("min-gap must not be negative")
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg-quality must be between 1 and 100")
	}

	if c.LogFormat != "json" && c.LogFormat != "kv" {
		return fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	return nil
}
