package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/orchestrator/internal/ratelimiter"
	"github.com/haasonsaas/orchestrator/internal/taskqueue"
	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

type fakeStatus struct{ report StatusReport }

func (f fakeStatus) Status() StatusReport { return f.report }

func newTestServer(t *testing.T) (*Server, *fakeRouterOK) {
	t.Helper()
	router := &fakeRouterOK{
		defs: []orch.ToolDef{{ExposedName: "echo_tool", Description: "echoes"}},
	}
	queue := taskqueue.New(t.TempDir(), nil)
	limiter := ratelimiter.New(ratelimiter.Config{RequestsPerMinute: 2, Enabled: true})
	s := New(Config{
		Router:       router,
		Queue:        queue,
		Limiter:      limiter,
		Status:       fakeStatus{report: StatusReport{ToolCount: 1}},
		AuthToken:    "secret-token",
		MaxBodyBytes: 1024,
	})
	return s, router
}

type fakeRouterOK struct {
	defs []orch.ToolDef
}

func (f *fakeRouterOK) GetToolDefinitions() []orch.ToolDef { return f.defs }
func (f *fakeRouterOK) HasRoute(name string) bool {
	for _, d := range f.defs {
		if d.ExposedName == name {
			return true
		}
	}
	return false
}
func (f *fakeRouterOK) RouteToolCall(ctx context.Context, name string, args json.RawMessage) orch.Envelope {
	return orch.Envelope{Success: true, Data: map[string]any{"echoed": name}}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestToolsListRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tools/list", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestToolsListWithAuthReturnsCatalog(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tools/list", nil)
	req.Header.Set("X-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Tools []orch.ToolDef `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(body.Tools) != 1 || body.Tools[0].ExposedName != "echo_tool" {
		t.Fatalf("expected one echo_tool, got %+v", body.Tools)
	}
}

func TestToolsCallDispatchesToRouter(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(orch.ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{}`)})
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewReader(payload))
	req.Header.Set("X-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp orch.MCPResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if resp.IsError || len(resp.Content) != 1 {
		t.Fatalf("expected one non-error content block, got %+v", resp)
	}
	if !strings.Contains(resp.Content[0].Text, "echoed") {
		t.Fatalf("expected inner envelope to carry the echoed field, got %q", resp.Content[0].Text)
	}
}

func TestToolsCallUnknownToolIsMCPError(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(orch.ToolCallParams{Name: "nonexistent"})
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewReader(payload))
	req.Header.Set("X-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	var resp orch.MCPResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !resp.IsError {
		t.Fatal("expected isError true for an unknown tool")
	}
}

func TestToolsCallQueueTaskCustomHandler(t *testing.T) {
	s, _ := newTestServer(t)
	args, _ := json.Marshal(map[string]any{"name": "nightly-report", "action": map[string]any{"run": true}})
	payload, _ := json.Marshal(orch.ToolCallParams{Name: "queue_task", Arguments: args})
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewReader(payload))
	req.Header.Set("X-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	var resp orch.MCPResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if resp.IsError {
		t.Fatalf("expected queue_task to succeed, got %q", resp.Content[0].Text)
	}
	if !strings.Contains(resp.Content[0].Text, "taskId") {
		t.Fatalf("expected taskId in response, got %q", resp.Content[0].Text)
	}
}

func TestBodyOverLimitRejectedWith413(t *testing.T) {
	s, _ := newTestServer(t)
	big := bytes.Repeat([]byte("a"), 2048)
	req := httptest.NewRequest(http.MethodPost, "/tools/call", bytes.NewReader(big))
	req.ContentLength = int64(len(big))
	req.Header.Set("X-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	s, _ := newTestServer(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("X-Token", "secret-token")
		req.RemoteAddr = "203.0.113.5:1234"
		rec := httptest.NewRecorder()
		s.Mux().ServeHTTP(rec, req)
		last = rec
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the 3rd request with RPM=2, got %d", last.Code)
	}
}

func TestStatusReturnsReport(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Token", "secret-token")
	req.RemoteAddr = "198.51.100.7:5555"
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	var report StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if report.ToolCount != 1 {
		t.Fatalf("expected toolCount 1, got %d", report.ToolCount)
	}
}
