package runtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/trducng/theflow/runtime/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newBackendServer(t *testing.T, c Component) (*BackendHandler, *store.Context) {
	t.Helper()
	cache := store.NewMemory()
	h, err := NewBackendHandler(c, cache, nil)
	if err != nil {
		t.Fatalf("NewBackendHandler failed: %v", err)
	}
	shared, err := store.NewContext(cache)
	if err != nil {
		t.Fatal(err)
	}
	return h, shared
}

func leaveCall(t *testing.T, shared *store.Context, id string, call RemoteCall) {
	t.Helper()
	if err := shared.Set(id, call.ToMap(), ""); err != nil {
		t.Fatalf("Failed to store remote call: %v", err)
	}
}

func serve(h *BackendHandler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	h.ServeHTTP(w, req)
	return w
}

func TestBackendHandler_Call(t *testing.T) {
	s := testSettings(t)
	c := mustNew(t, "test.AddOne", map[string]any{"increment": 2}, WithSettings(s))
	h, shared := newBackendServer(t, c)

	leaveCall(t, shared, "call-1", RemoteCall{
		Args:  []any{1},
		State: CallState{Name: "step1", Prefix: ".", RunID: "run-1", FlowName: "remote"},
	})

	w := serve(h, "/?id=call-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.TrimSpace(w.Body.String()) != `"call-1"` {
		t.Errorf("Expected the id echoed back, got %s", w.Body.String())
	}

	raw, err := shared.Get("call-1", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	call, err := DecodeRemoteCall(raw)
	if err != nil {
		t.Fatalf("DecodeRemoteCall failed: %v", err)
	}
	if !call.Done {
		t.Fatal("Expected call to be marked done")
	}
	if asInt(call.Result) != 3 {
		t.Errorf("Expected result 3, got %v", call.Result)
	}

	partitions, err := shared.Partitions()
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range partitions {
		if strings.HasPrefix(p, "remote|run-1") {
			t.Errorf("Expected server partitions to be cleaned up, found %s", p)
		}
	}
}

func TestBackendHandler_RepeatedRequest(t *testing.T) {
	s := testSettings(t)
	c := mustNew(t, "test.AddOne", map[string]any{"increment": 2, "label": "handler-repeat"}, WithSettings(s))
	h, shared := newBackendServer(t, c)

	leaveCall(t, shared, "call-3", RemoteCall{
		Args:  []any{1},
		State: CallState{Name: "step1", Prefix: ".", RunID: "run-3", FlowName: "remote"},
	})

	if w := serve(h, "/?id=call-3"); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := serve(h, "/?id=call-3"); w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for a repeated call, got %d", w.Code)
	}
	if n := runCount("handler-repeat"); n != 1 {
		t.Errorf("Expected the node to run once, ran %d times", n)
	}

	raw, _ := shared.Get("call-3", nil, "")
	call, err := DecodeRemoteCall(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !call.Done || asInt(call.Result) != 3 {
		t.Errorf("Expected the first result to be kept, got done=%v result=%v", call.Done, call.Result)
	}

	body := serve(h, "/metrics").Body.String()
	if !strings.Contains(body, `theflow_backend_requests_total{outcome="duplicate"} 1`) {
		t.Error("Expected one duplicate request in metrics")
	}
}

func TestBackendHandler_Errors(t *testing.T) {
	s := testSettings(t)
	h, shared := newBackendServer(t, mustNew(t, "test.Failing", nil, WithSettings(s)))

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing id", "/", http.StatusBadRequest},
		{"unknown id", "/?id=nope", http.StatusInternalServerError},
		{"failing node", "/?id=call-2", http.StatusInternalServerError},
	}

	leaveCall(t, shared, "call-2", RemoteCall{
		State: CallState{Name: "step", Prefix: ".", RunID: "run-2", FlowName: "remote"},
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, tt.target)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}

	raw, _ := shared.Get("call-2", nil, "")
	call, err := DecodeRemoteCall(raw)
	if err != nil {
		t.Fatal(err)
	}
	if call.Done {
		t.Error("Failed call should not be marked done")
	}
	if !strings.Contains(call.Error, "boom") {
		t.Errorf("Expected stored error to mention boom, got %q", call.Error)
	}

	w := serve(h, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected metrics endpoint, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`theflow_backend_requests_total{outcome="bad_request"} 1`,
		`theflow_backend_requests_total{outcome="error"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics to contain %s", want)
		}
	}
}
