package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Broadcasting without a running hub or with a full queue must never block
// the pipeline loop.
func TestHubBroadcastNeverBlocks(t *testing.T) {
	h := NewHub(testLogger())
	for i := 0; i < 100; i++ {
		h.Broadcast([]byte(`{"tick":1}`))
	}
}

func TestHubClientLifecycle(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		h.Register(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return h.ClientCount() == 1 })

	h.Broadcast([]byte(`{"tick":7}`))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}
	if string(msg) != `{"tick":7}` {
		t.Errorf("message = %s, want broadcast payload", msg)
	}

	// Shutdown closes the connection from the hub side.
	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after hub shutdown")
	}
}

// Register and Unregister must not block once the hub has shut down; a client
// disconnecting after shutdown would otherwise leak its drain goroutine.
func TestHubRegisterAfterShutdown(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	conns := make(chan *websocket.Conn, 2)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	defer client.Close()
	conn := <-conns

	cancel()
	<-h.done

	returned := make(chan struct{})
	go func() {
		h.Unregister(conn)
		h.Register(conn)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Register/Unregister blocked after hub shutdown")
	}
}
