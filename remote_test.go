package main

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"
)

func TestNextRetryDelay(t *testing.T) {
	tests := []struct {
		name      string
		current   time.Duration
		published bool
		want      time.Duration
	}{
		{
			name:    "first failure starts at the base delay",
			current: 0, published: false,
			want: reconnectBaseDelay,
		},
		{
			name:    "consecutive failures double",
			current: time.Second, published: false,
			want: 2 * time.Second,
		},
		{
			name:    "doubling caps out",
			current: 20 * time.Second, published: false,
			want: reconnectMaxDelay,
		},
		{
			name:    "stays at the cap",
			current: reconnectMaxDelay, published: false,
			want: reconnectMaxDelay,
		},
		{
			name:    "a delivered frame resets the episode",
			current: 16 * time.Second, published: true,
			want: reconnectBaseDelay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextRetryDelay(tt.current, tt.published); got != tt.want {
				t.Errorf("nextRetryDelay(%v, %v) = %v, want %v", tt.current, tt.published, got, tt.want)
			}
		})
	}
}

// A disconnect after a long healthy connection must wait the base delay, not
// whatever the backoff had escalated to during earlier blips.
func TestRetryDelayResetsAfterHealthyConnection(t *testing.T) {
	delay := time.Duration(0)
	for i := 0; i < 6; i++ {
		delay = nextRetryDelay(delay, false)
	}
	if delay != reconnectMaxDelay {
		t.Fatalf("delay after 6 failures = %v, want cap %v", delay, reconnectMaxDelay)
	}

	if delay = nextRetryDelay(delay, true); delay != reconnectBaseDelay {
		t.Errorf("delay after healthy connection = %v, want base %v", delay, reconnectBaseDelay)
	}
	if delay = nextRetryDelay(delay, false); delay != 2*reconnectBaseDelay {
		t.Errorf("delay on next failure = %v, want %v", delay, 2*reconnectBaseDelay)
	}
}

func TestImageMailboxLatestWins(t *testing.T) {
	m := &imageMailbox{}

	m.publish([]byte("first"))
	m.publish([]byte("second"))

	data, seq, err := m.take()
	if string(data) != "second" || seq != 2 || err != nil {
		t.Errorf("take() = (%q, %d, %v), want latest image", data, seq, err)
	}
	if m.dropCount() != 1 {
		t.Errorf("dropCount() = %d, want 1 overwritten image", m.dropCount())
	}

	// The slot is consumed.
	if data, _, _ := m.take(); data != nil {
		t.Errorf("second take() = %q, want consumed slot", data)
	}

	m.fail(errors.New("connection reset"))
	if _, _, err := m.take(); err == nil {
		t.Error("take() after fail should surface the load error")
	}

	// A fresh image clears the load error.
	m.publish([]byte("third"))
	if _, _, err := m.take(); err != nil {
		t.Errorf("take() after publish = error %v, want cleared", err)
	}
	if m.seqCount() != 3 {
		t.Errorf("seqCount() = %d, want 3", m.seqCount())
	}
}

func testRemoteSource(url string, tick time.Duration) *RemoteSource {
	return &RemoteSource{
		url:     url,
		tick:    tick,
		logger:  testLogger(),
		httpc:   &http.Client{},
		mailbox: &imageMailbox{},
	}
}

func TestConsumeMultipartStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		for _, frame := range []string{"frame-1", "frame-2"} {
			part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			if err != nil {
				return
			}
			part.Write([]byte(frame))
		}
		mw.Close()
	}))
	defer srv.Close()

	src := testRemoteSource(srv.URL, 10*time.Millisecond)
	if err := src.consume(context.Background()); err == nil {
		t.Fatal("consume() = nil, a stream that ends must report an error")
	}

	data, seq, _ := src.mailbox.take()
	if string(data) != "frame-2" {
		t.Errorf("mailbox holds %q, want the latest part", data)
	}
	if seq != 2 {
		t.Errorf("seq = %d, want one publish per part", seq)
	}
}

func TestConsumeSnapshotPolls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("snapshot"))
	}))
	defer srv.Close()

	src := testRemoteSource(srv.URL, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- src.consume(ctx) }()

	// The first body is published immediately, then the resource is
	// re-fetched every tick.
	waitFor(t, func() bool { return src.mailbox.seqCount() >= 3 })
	cancel()

	if err := <-errc; err == nil {
		t.Error("cancelled consume() should return the context error")
	}

	data, _, _ := src.mailbox.take()
	if string(data) != "snapshot" {
		t.Errorf("mailbox holds %q, want the fetched image", data)
	}
}

func TestConsumeRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := testRemoteSource(srv.URL, 10*time.Millisecond)
	if err := src.consume(context.Background()); err == nil {
		t.Fatal("consume() = nil, want error for non-2xx status")
	}
	if src.mailbox.seqCount() != 0 {
		t.Error("nothing should be published from a failed connection")
	}
}
