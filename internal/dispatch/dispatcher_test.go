package dispatch

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/model"
	"github.com/Senneseph/edge-hive/sdk"
)

// fakeExecutor scripts registry behavior per call.
type fakeExecutor struct {
	calls   int
	handler func(call int, id string, ctx *sdk.Context, req *sdk.Request) (*sdk.Response, error)
}

func (f *fakeExecutor) ExecuteWithTimeout(id string, ctx *sdk.Context, req *sdk.Request, _ time.Duration) (*sdk.Response, error) {
	f.calls++
	return f.handler(f.calls, id, ctx, req)
}

func newTestDispatcher(exec Executor, cfg Config) *Dispatcher {
	metrics := testMetrics()
	idx := NewIndex([]*model.Endpoint{
		endpoint("ep-1", "api.example.com", "GET", "/users/{id}"),
		endpoint("ep-post", "api.example.com", "POST", "/users"),
	}, metrics)
	return NewDispatcher(idx, exec, nil, cfg, zap.NewNop(), metrics)
}

func decodeError(t *testing.T, body string) *sdk.ErrorEnvelope {
	t.Helper()
	var wrapped struct {
		Error *sdk.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
		t.Fatalf("error body is not a JSON envelope: %v\n%s", err, body)
	}
	return wrapped.Error
}

func TestDispatcher_RoutesAndCapturesParams(t *testing.T) {
	exec := &fakeExecutor{handler: func(_ int, id string, ctx *sdk.Context, req *sdk.Request) (*sdk.Response, error) {
		if id != "ep-1" {
			t.Errorf("endpoint id = %q, want ep-1", id)
		}
		if req.Param("id") != "42" {
			t.Errorf("param id = %q, want 42", req.Param("id"))
		}
		if req.Query["verbose"] != "true" {
			t.Errorf("query verbose = %q, want true", req.Query["verbose"])
		}
		if ctx.RequestID() == "" || ctx.RequestID() != req.RequestID {
			t.Error("request id missing or inconsistent between context and request")
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("context carries no deadline")
		}
		return sdk.Text(200, "hello"), nil
	}}
	d := newTestDispatcher(exec, Config{})

	r := httptest.NewRequest("GET", "http://api.example.com:8080/users/42?verbose=true", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != 200 || w.Body.String() != "hello" {
		t.Fatalf("response = %d %q, want 200 hello", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("response missing X-Request-Id")
	}
}

func TestDispatcher_NoMatchIs404(t *testing.T) {
	exec := &fakeExecutor{handler: func(int, string, *sdk.Context, *sdk.Request) (*sdk.Response, error) {
		t.Fatal("executor called for an unroutable request")
		return nil, nil
	}}
	d := newTestDispatcher(exec, Config{})

	r := httptest.NewRequest("GET", "http://api.example.com/none", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if env := decodeError(t, w.Body.String()); env.Code != sdk.ErrRouteNotFound {
		t.Errorf("code = %s, want %s", env.Code, sdk.ErrRouteNotFound)
	}
}

func TestDispatcher_RetriesOnceOnDraining(t *testing.T) {
	exec := &fakeExecutor{handler: func(call int, _ string, _ *sdk.Context, _ *sdk.Request) (*sdk.Response, error) {
		if call == 1 {
			return nil, runtime.NewDrainingError("ep-1")
		}
		return sdk.Text(200, "after swap"), nil
	}}
	d := newTestDispatcher(exec, Config{})

	r := httptest.NewRequest("GET", "http://api.example.com/users/1", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != 200 || w.Body.String() != "after swap" {
		t.Fatalf("response = %d %q, want the retried result", w.Code, w.Body.String())
	}
	if exec.calls != 2 {
		t.Errorf("executor called %d times, want 2", exec.calls)
	}
}

func TestDispatcher_PersistentDrainingIs503(t *testing.T) {
	exec := &fakeExecutor{handler: func(int, string, *sdk.Context, *sdk.Request) (*sdk.Response, error) {
		return nil, runtime.NewDrainingError("ep-1")
	}}
	d := newTestDispatcher(exec, Config{})

	r := httptest.NewRequest("GET", "http://api.example.com/users/1", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != 503 {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if exec.calls != 2 {
		t.Errorf("executor called %d times, want exactly one retry", exec.calls)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("transient failure carries no Retry-After hint")
	}
}

func TestDispatcher_BodyCap(t *testing.T) {
	exec := &fakeExecutor{handler: func(_ int, _ string, _ *sdk.Context, req *sdk.Request) (*sdk.Response, error) {
		return sdk.OK(req.Body), nil
	}}
	d := newTestDispatcher(exec, Config{MaxBodyBytes: 16})

	r := httptest.NewRequest("POST", "http://api.example.com/users", strings.NewReader(strings.Repeat("x", 64)))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	if w.Code != 413 {
		t.Fatalf("status = %d, want 413 for an oversized body", w.Code)
	}

	r = httptest.NewRequest("POST", "http://api.example.com/users", strings.NewReader("small"))
	w = httptest.NewRecorder()
	d.ServeHTTP(w, r)
	if w.Code != 200 || w.Body.String() != "small" {
		t.Fatalf("response = %d %q, want the echoed body", w.Code, w.Body.String())
	}
}

func TestDispatcher_TimeoutMapsTo504(t *testing.T) {
	exec := &fakeExecutor{handler: func(int, string, *sdk.Context, *sdk.Request) (*sdk.Response, error) {
		return nil, runtime.NewHandlerTimeoutError("ep-1")
	}}
	d := newTestDispatcher(exec, Config{})

	r := httptest.NewRequest("GET", "http://api.example.com/users/1", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != 504 {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if env := decodeError(t, w.Body.String()); env.RequestID == "" {
		t.Error("error envelope missing request id")
	}
}
