package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livesub/caption-relay/internal/relay"
)

func newTestServer(t *testing.T) (*Server, *relay.Broadcaster, *httptest.Server) {
	t.Helper()
	broadcaster := relay.NewBroadcaster(nil)
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, broadcaster, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, broadcaster, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestSubtitlesEndpoint(t *testing.T) {
	_, broadcaster, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/subtitles"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	waitForCount(t, broadcaster, 1)

	broadcaster.BroadcastStatus("running", "ASR connected")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}
	if msg["type"] != "status" || msg["state"] != "running" {
		t.Errorf("unexpected broadcast %v", msg)
	}

	// Client payloads are discarded, not echoed or fatal.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	broadcaster.BroadcastStatus("waiting", "")
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading second broadcast: %v", err)
	}
	if msg["state"] != "waiting" {
		t.Errorf("unexpected broadcast %v", msg)
	}
}

func TestSubtitlesDisconnectUnregisters(t *testing.T) {
	_, broadcaster, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/subtitles"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	waitForCount(t, broadcaster, 1)
	conn.Close()
	waitForCount(t, broadcaster, 0)
}

func TestSubtitlesRejectsPlainGet(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/subtitles")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("expected a non-200 response for a non-websocket request")
	}
}

func waitForCount(t *testing.T, b *relay.Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d (got %d)", want, b.Count())
}
