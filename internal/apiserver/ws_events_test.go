package apiserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/orchestrator/internal/eventbus"
)

func TestWSEventsRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Events = eventbus.New(nil)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without auth to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestWSEventsStreamsPublishedEvents(t *testing.T) {
	s, _ := newTestServer(t)
	bus := eventbus.New(nil)
	s.cfg.Events = bus
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	header := http.Header{"X-Token": []string{"secret-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Give the handler's Subscribe calls a moment to register before
	// publishing, since the upgrade and subscription happen
	// asynchronously relative to this goroutine.
	time.Sleep(50 * time.Millisecond)
	if err := bus.Publish("skill.dispatch.start", map[string]string{"skillId": "s1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if frame.Event != "skill.dispatch.start" {
		t.Errorf("expected event skill.dispatch.start, got %q", frame.Event)
	}
	if !strings.Contains(string(frame.Payload), "s1") {
		t.Errorf("expected payload to contain skillId s1, got %s", frame.Payload)
	}
}

func TestWSEventsWithoutConfigReturns503(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	header := http.Header{"X-Token": []string{"secret-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail when Events is not configured")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}
