package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/orchestrator/internal/provider"
)

type jsonrpcReq struct {
	Method string          `json:"method"`
	ID     *int64          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// newMCPServer returns an httptest server answering initialize and
// tools/list on the single POST endpoint, with healthy toggled to
// control whether tools/list succeeds (used to drive health-probe
// failures in tests).
func newMCPServer(t *testing.T, healthy *bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if req.Method == "tools/list" && healthy != nil && !*healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var result json.RawMessage
		switch req.Method {
		case "initialize":
			result = json.RawMessage(`{}`)
		case "tools/list":
			result = json.RawMessage(`{"tools":[{"name":"ping"}]}`)
		default:
			result = json.RawMessage(`{}`)
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return httptest.NewServer(mux)
}

type fakePublisher struct {
	registered   []string
	unregistered []string
}

func (p *fakePublisher) Register(name string, _ *provider.Client)  { p.registered = append(p.registered, name) }
func (p *fakePublisher) Unregister(name string)                     { p.unregistered = append(p.unregistered, name) }

func TestSupervisorStartReachesReady(t *testing.T) {
	healthy := true
	srv := newMCPServer(t, &healthy)
	defer srv.Close()

	cfg := provider.Config{Name: "demo", Transport: provider.TransportHTTP, URL: srv.URL}
	pub := &fakePublisher{}
	sup := New(cfg, pub, WithHealthInterval(time.Hour))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Stop(context.Background())

	if sup.State() != StateReady {
		t.Fatalf("expected ready, got %v", sup.State())
	}
	if len(pub.registered) != 1 || pub.registered[0] != "demo" {
		t.Fatalf("expected catalog registered, got %+v", pub.registered)
	}
}

func TestSupervisorRequiredStartFailureIsFatal(t *testing.T) {
	cfg := provider.Config{Name: "demo", Transport: provider.TransportHTTP, URL: "http://127.0.0.1:1", Required: true}
	sup := New(cfg, nil, WithHealthInterval(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err == nil {
		t.Fatal("expected required provider start failure to return error")
	}
	if sup.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", sup.State())
	}
}

func TestSupervisorOptionalStartFailureIsNotFatal(t *testing.T) {
	cfg := provider.Config{Name: "demo", Transport: provider.TransportHTTP, URL: "http://127.0.0.1:1", Required: false}
	sup := New(cfg, nil, WithHealthInterval(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("expected no error for optional provider, got %v", err)
	}
	if sup.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", sup.State())
	}
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	first := exponentialBackoff(1)
	if first < 800*time.Millisecond || first > 1200*time.Millisecond {
		t.Fatalf("expected ~1s for attempt 1, got %v", first)
	}
	late := exponentialBackoff(20)
	if late > 72*time.Second {
		t.Fatalf("expected backoff capped near 60s, got %v", late)
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := provider.Config{Name: "demo", Transport: provider.TransportStdio, Command: []string{"does-not-matter"}}
	sup := New(cfg, nil, WithRestartBudget(RestartBudget{Max: 2, Window: time.Minute}), WithNow(func() time.Time { return fixed }))

	sup.mu.Lock()
	sup.restartTimes = []time.Time{fixed, fixed}
	sup.mu.Unlock()

	sup.attemptRestart(context.Background())

	sup.mu.Lock()
	restarts := len(sup.restartTimes)
	sup.mu.Unlock()
	if restarts != 2 {
		t.Fatalf("expected exhausted budget to refuse a restart, got %d recorded restarts", restarts)
	}
}
