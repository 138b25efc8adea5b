package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// imageMailbox is a single-slot, latest-wins buffer between the stream reader
// goroutine and the pipeline loop. Stale images are overwritten, never
// queued: the pipeline always draws the freshest image the server pushed.
// Drops are expected and healthy, not errors.
type imageMailbox struct {
	mu    sync.Mutex
	data  []byte
	seq   uint64
	err   error
	drops uint64
}

// publish stores the newest image and clears any load error. Non-blocking.
func (m *imageMailbox) publish(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data != nil {
		m.drops++
	}
	m.data = data
	m.seq++
	m.err = nil
}

// fail records a load failure without discarding the last good image.
func (m *imageMailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// take returns the pending image (nil when the slot was already consumed),
// its sequence number and the current load error.
func (m *imageMailbox) take() (data []byte, seq uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, seq, err = m.data, m.seq, m.err
	m.data = nil
	return
}

// dropCount returns how many unconsumed images were overwritten.
func (m *imageMailbox) dropCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}

// seqCount returns the total number of images ever published.
func (m *imageMailbox) seqCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// RemoteSource binds to a continuously-updating server-pushed image resource.
// A reader goroutine consumes the resource (multipart MJPEG or repeated
// snapshot fetches) into the mailbox; the pipeline draws the latest image on
// a fixed wall-clock tick whenever it has valid natural dimensions. Load
// failures are recoverable: rendering resumes automatically once the
// resource succeeds again.
type RemoteSource struct {
	url    string
	tick   time.Duration
	logger *slog.Logger
	httpc  *http.Client

	mailbox *imageMailbox
	cancel  context.CancelFunc
	done    chan struct{}

	// Loop-side decode state, touched only from the pipeline goroutine.
	current  gocv.Mat
	hasFrame bool
	lastSeq  uint64

	disposeOnce sync.Once
}

// NewRemoteSource starts consuming the resource at rawURL. When
// requestOverlay is set, the enable_detection=true query flag is appended so
// the server draws its own overlay; the pipeline treats the resource as an
// opaque image either way.
func NewRemoteSource(rawURL string, requestOverlay bool, tick time.Duration, logger *slog.Logger) (*RemoteSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing stream url: %w", err)
	}
	if requestOverlay {
		q := u.Query()
		q.Set("enable_detection", "true")
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := &RemoteSource{
		url:     u.String(),
		tick:    tick,
		logger:  logger,
		httpc:   &http.Client{},
		mailbox: &imageMailbox{},
		cancel:  cancel,
		done:    make(chan struct{}),
		current: gocv.NewMat(),
	}

	go src.readLoop(ctx)

	logger.Info("Remote stream source started", "url", src.url, "tick", tick)
	return src, nil
}

// Reconnect backoff bounds. Each reconnection episode starts at the base
// delay; only consecutive failures without a delivered frame escalate it.
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// nextRetryDelay advances the reconnect backoff. A connection that delivered
// at least one frame resets the episode to the base delay; consecutive
// failures double it up to the cap.
func nextRetryDelay(current time.Duration, published bool) time.Duration {
	if published || current == 0 {
		return reconnectBaseDelay
	}
	next := current * 2
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}
	return next
}

// readLoop keeps a connection to the image resource alive, reconnecting with
// capped exponential backoff and jitter. It never gives up: a stream failure
// is recoverable by contract.
func (r *RemoteSource) readLoop(ctx context.Context) {
	defer close(r.done)

	var delay time.Duration

	for {
		seqBefore := r.mailbox.seqCount()
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.mailbox.fail(err)
		}

		delay = nextRetryDelay(delay, r.mailbox.seqCount() > seqBefore)
		jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
		r.logger.Warn("Stream read failed, reconnecting",
			"url", r.url,
			"error", err,
			"retry_in", delay+jitter)

		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return
		}
	}
}

// consume performs one connection to the resource and publishes images until
// the connection breaks or the context is cancelled. Both multipart
// (x-mixed-replace) streams and plain image resources are supported; the
// latter are re-fetched on every tick period.
func (r *RemoteSource) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("parsing stream content type: %w", err)
	}

	if mediaType == "multipart/x-mixed-replace" {
		defer resp.Body.Close()
		return r.consumeMultipart(resp.Body, params["boundary"])
	}

	// Snapshot resource: take this body, then poll at the tick period.
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading stream image: %w", err)
	}
	r.mailbox.publish(body)

	return r.pollSnapshots(ctx)
}

// pollSnapshots re-fetches a plain image resource at the tick period.
func (r *RemoteSource) pollSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.fetchSnapshot(ctx); err != nil {
				return err
			}
		}
	}
}

// consumeMultipart reads parts off an MJPEG stream into the mailbox.
func (r *RemoteSource) consumeMultipart(body io.Reader, boundary string) error {
	if boundary == "" {
		return fmt.Errorf("stream is multipart but has no boundary")
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return fmt.Errorf("reading stream part: %w", err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return fmt.Errorf("reading stream part body: %w", err)
		}
		if len(data) > 0 {
			r.mailbox.publish(data)
		}
	}
}

// fetchSnapshot performs one GET against a plain image resource.
func (r *RemoteSource) fetchSnapshot(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetching stream image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading stream image: %w", err)
	}
	r.mailbox.publish(body)
	return nil
}

// Grab draws the latest pushed image onto dst. The same image may be drawn
// on several consecutive ticks when the server pushes slower than the tick
// period; the fixed-timer variant accepts that redundancy.
func (r *RemoteSource) Grab(dst *Surface) (bool, error) {
	data, seq, loadErr := r.mailbox.take()

	if data != nil && seq != r.lastSeq {
		mat, err := gocv.IMDecode(data, gocv.IMReadColor)
		if err != nil {
			return false, newStreamError("stream image could not be decoded", err)
		}
		if mat.Empty() || mat.Cols() <= 0 || mat.Rows() <= 0 {
			mat.Close()
			return false, newStreamError("stream image has no valid dimensions", nil)
		}
		r.current.Close()
		r.current = mat
		r.hasFrame = true
		r.lastSeq = seq
	}

	if !r.hasFrame {
		if loadErr != nil {
			return false, newStreamError("stream image failed to load", loadErr)
		}
		// Nothing pushed yet; not an error.
		return false, nil
	}

	if loadErr != nil {
		// The resource is currently failing; keep the error surfaced even
		// though the previous image could still be drawn.
		return false, newStreamError("stream image failed to load", loadErr)
	}

	dst.DrawMat(r.current)
	return true, nil
}

// TickInterval is the fixed wall-clock draw period of this variant.
func (r *RemoteSource) TickInterval() time.Duration { return r.tick }

// Dispose stops the reader goroutine and releases the decoded frame.
// Idempotent.
func (r *RemoteSource) Dispose() error {
	r.disposeOnce.Do(func() {
		r.cancel()
		<-r.done
		r.current.Close()
		r.logger.Debug("Remote stream source released",
			"frames_overwritten", r.mailbox.dropCount())
	})
	return nil
}
