package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/config"
	"github.com/Senneseph/edge-hive/internal/dispatch"
	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/internal/provider"
	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/internal/store"
	"github.com/Senneseph/edge-hive/sdk"
)

// fakeCompiler registers an in-process handler instead of invoking the
// native toolchain. Every compile republishes the endpoint's artifact
// path with a freshly numbered response so swaps are observable.
type fakeCompiler struct {
	loader   *runtime.FuncLoader
	compiles int
	fail     bool
}

func (c *fakeCompiler) Compile(_ context.Context, id, _ string) (string, error) {
	if c.fail {
		return "", &sdk.ErrorEnvelope{Code: sdk.ErrCompileError, Message: "handler source did not compile"}
	}
	c.compiles++
	n := c.compiles
	path := c.ArtifactPath(id)
	c.loader.Register(path, func(_ *sdk.Context, _ *sdk.Request) *sdk.Response {
		return sdk.Text(200, fmt.Sprintf("build-%d", n))
	})
	return path, nil
}

func (c *fakeCompiler) ArtifactPath(id string) string {
	return "artifacts/" + id + ".so"
}

type routerFixture struct {
	router   chi.Router
	store    *store.MemoryStore
	runtime  *runtime.Registry
	compiler *fakeCompiler
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log := zap.NewNop()
	clock := clockwork.NewRealClock()

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	st := store.NewMemoryStore()
	idx := dispatch.NewIndex(nil, metrics)
	loader := runtime.NewFuncLoader()
	rt := runtime.NewRegistry(loader, log, clock, metrics)
	t.Cleanup(rt.Close)
	providers := provider.NewRegistry(st, log, clock, metrics)
	t.Cleanup(providers.Close)
	comp := &fakeCompiler{loader: loader}

	gateway := dispatch.NewDispatcher(idx, rt, providers, dispatch.Config{}, log, metrics)

	r := NewRouter(Dependencies{
		Config:    config.Defaults(),
		Log:       log,
		Store:     st,
		Index:     idx,
		Runtime:   rt,
		Providers: providers,
		Compiler:  comp,
		Gateway:   gateway,
	})
	return &routerFixture{router: r, store: st, runtime: rt, compiler: comp}
}

func (f *routerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
}

const endpointJSON = `{
	"name": "hello",
	"domain": "api.example.com",
	"method": "GET",
	"path": "/hello",
	"code": "package main",
	"enabled": true
}`

func TestRouter_HealthAndReady(t *testing.T) {
	f := newRouterFixture(t)

	for _, path := range []string{"/health", "/ready", "/admin/health"} {
		if w := f.do(t, "GET", path, ""); w.Code != 200 {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestRouter_EndpointLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "POST", "/admin/endpoints", endpointJSON)
	if w.Code != 201 {
		t.Fatalf("create = %d, want 201\n%s", w.Code, w.Body.String())
	}
	var created struct {
		ID       string `json:"id"`
		Compiled bool   `json:"compiled"`
	}
	decodeBody(t, w, &created)
	if created.ID == "" {
		t.Fatal("created endpoint has no id")
	}
	if created.Compiled {
		t.Error("a new endpoint reports compiled")
	}

	// Routable but not loaded yet: the gateway admits the request and the
	// registry rejects it.
	w = f.do(t, "GET", "http://api.example.com/hello", "")
	if w.Code != 503 {
		t.Fatalf("gateway before compile = %d, want 503\n%s", w.Code, w.Body.String())
	}

	w = f.do(t, "POST", "/admin/endpoints/"+created.ID+"/compile", "")
	if w.Code != 200 {
		t.Fatalf("compile = %d, want 200\n%s", w.Code, w.Body.String())
	}
	var res compileResult
	decodeBody(t, w, &res)
	if !res.Loaded || res.Swap != nil {
		t.Errorf("first compile = %+v, want a fresh load", res)
	}

	w = f.do(t, "GET", "http://api.example.com/hello", "")
	if w.Code != 200 || w.Body.String() != "build-1" {
		t.Fatalf("gateway = %d %q, want 200 build-1", w.Code, w.Body.String())
	}

	// Recompiling a serving endpoint swaps instead of loading.
	w = f.do(t, "POST", "/admin/endpoints/"+created.ID+"/compile", "")
	if w.Code != 200 {
		t.Fatalf("recompile = %d, want 200\n%s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &res)
	if res.Loaded || res.Swap == nil || !res.Swap.Swapped {
		t.Errorf("recompile = %+v, want a swap", res)
	}

	w = f.do(t, "GET", "http://api.example.com/hello", "")
	if w.Code != 200 || w.Body.String() != "build-2" {
		t.Fatalf("gateway after swap = %d %q, want 200 build-2", w.Code, w.Body.String())
	}
}

func TestRouter_StopAndStart(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "POST", "/admin/endpoints", endpointJSON)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &created)
	f.do(t, "POST", "/admin/endpoints/"+created.ID+"/compile", "")

	if w = f.do(t, "POST", "/admin/endpoints/"+created.ID+"/stop", ""); w.Code != 200 {
		t.Fatalf("stop = %d, want 200\n%s", w.Code, w.Body.String())
	}
	if w = f.do(t, "GET", "http://api.example.com/hello", ""); w.Code != 404 {
		t.Errorf("gateway after stop = %d, want 404", w.Code)
	}
	if f.runtime.Loaded(created.ID) {
		t.Error("image still loaded after stop")
	}

	if w = f.do(t, "POST", "/admin/endpoints/"+created.ID+"/start", ""); w.Code != 200 {
		t.Fatalf("start = %d, want 200\n%s", w.Code, w.Body.String())
	}
	if w = f.do(t, "GET", "http://api.example.com/hello", ""); w.Code != 200 {
		t.Errorf("gateway after start = %d, want 200", w.Code)
	}
}

func TestRouter_StartRequiresCompiledEndpoint(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "POST", "/admin/endpoints", endpointJSON)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &created)

	if w = f.do(t, "POST", "/admin/endpoints/"+created.ID+"/start", ""); w.Code != 409 {
		t.Errorf("start before compile = %d, want 409", w.Code)
	}
}

func TestRouter_CompileWithoutSource(t *testing.T) {
	f := newRouterFixture(t)

	body := strings.Replace(endpointJSON, `"code": "package main",`, "", 1)
	w := f.do(t, "POST", "/admin/endpoints", body)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &created)

	if w = f.do(t, "POST", "/admin/endpoints/"+created.ID+"/compile", ""); w.Code != 400 {
		t.Errorf("compile without source = %d, want 400", w.Code)
	}
}

func TestRouter_CompileFailureSurfacesError(t *testing.T) {
	f := newRouterFixture(t)
	f.compiler.fail = true

	w := f.do(t, "POST", "/admin/endpoints", endpointJSON)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &created)

	w = f.do(t, "POST", "/admin/endpoints/"+created.ID+"/compile", "")
	if w.Code != 422 {
		t.Fatalf("failed compile = %d, want 422\n%s", w.Code, w.Body.String())
	}
	e, _ := f.store.GetEndpoint(context.Background(), created.ID)
	if e.Compiled {
		t.Error("endpoint marked compiled after a failed build")
	}
}

func TestRouter_DeleteEndpointUnloadsAndUnroutes(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "POST", "/admin/endpoints", endpointJSON)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &created)
	f.do(t, "POST", "/admin/endpoints/"+created.ID+"/compile", "")

	if w = f.do(t, "DELETE", "/admin/endpoints/"+created.ID, ""); w.Code != 204 {
		t.Fatalf("delete = %d, want 204", w.Code)
	}
	if w = f.do(t, "GET", "/admin/endpoints/"+created.ID, ""); w.Code != 404 {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	if w = f.do(t, "GET", "http://api.example.com/hello", ""); w.Code != 404 {
		t.Errorf("gateway after delete = %d, want 404", w.Code)
	}
	if f.runtime.Loaded(created.ID) {
		t.Error("image still loaded after delete")
	}
}

func TestRouter_ServiceLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "POST", "/admin/services", `{
		"name": "sessions",
		"kind": "cache",
		"subtype": "memory",
		"config": {"password": "hunter2"}
	}`)
	if w.Code != 201 {
		t.Fatalf("create service = %d, want 201\n%s", w.Code, w.Body.String())
	}
	var created struct {
		ID     string            `json:"id"`
		Config map[string]string `json:"config"`
	}
	decodeBody(t, w, &created)
	if created.Config["password"] != "[REDACTED]" {
		t.Errorf("create response leaks password: %v", created.Config)
	}

	if w = f.do(t, "POST", "/admin/services/"+created.ID+"/activate", ""); w.Code != 200 {
		t.Fatalf("activate = %d, want 200\n%s", w.Code, w.Body.String())
	}
	var status struct {
		Active bool `json:"active"`
	}
	decodeBody(t, w, &status)
	if !status.Active {
		t.Error("activate response reports inactive")
	}

	w = f.do(t, "POST", "/admin/services/"+created.ID+"/test", "")
	if w.Code != 200 {
		t.Fatalf("test = %d, want 200\n%s", w.Code, w.Body.String())
	}
	var testResp struct {
		OK bool `json:"ok"`
	}
	decodeBody(t, w, &testResp)
	if !testResp.OK {
		t.Error("test reports not ok for a live memory cache")
	}

	// An active service cannot be deleted.
	if w = f.do(t, "DELETE", "/admin/services/"+created.ID, ""); w.Code != 409 {
		t.Errorf("delete active = %d, want 409", w.Code)
	}

	if w = f.do(t, "POST", "/admin/services/"+created.ID+"/deactivate", ""); w.Code != 200 {
		t.Fatalf("deactivate = %d, want 200\n%s", w.Code, w.Body.String())
	}
	if w = f.do(t, "DELETE", "/admin/services/"+created.ID, ""); w.Code != 204 {
		t.Errorf("delete after deactivate = %d, want 204", w.Code)
	}
}

func TestRouter_ServiceListRedactsSecrets(t *testing.T) {
	f := newRouterFixture(t)

	f.do(t, "POST", "/admin/services", `{
		"name": "main-db",
		"kind": "database",
		"subtype": "postgres",
		"config": {"dsn": "postgres://user:pw@db/app", "host": "db"}
	}`)

	w := f.do(t, "GET", "/admin/services", "")
	var listing struct {
		Services []struct {
			Config map[string]string `json:"config"`
		} `json:"services"`
	}
	decodeBody(t, w, &listing)
	if len(listing.Services) != 1 {
		t.Fatalf("services = %d, want 1", len(listing.Services))
	}
	cfg := listing.Services[0].Config
	if cfg["dsn"] != "[REDACTED]" {
		t.Errorf("dsn = %q, want [REDACTED]", cfg["dsn"])
	}
	if cfg["host"] != "db" {
		t.Errorf("host = %q, want db", cfg["host"])
	}
}

func TestRouter_Stats(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "POST", "/admin/endpoints", endpointJSON)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &created)
	f.do(t, "POST", "/admin/endpoints/"+created.ID+"/compile", "")

	w = f.do(t, "GET", "/admin/stats", "")
	if w.Code != 200 {
		t.Fatalf("stats = %d, want 200", w.Code)
	}
	var stats statsResponse
	decodeBody(t, w, &stats)
	if stats.Endpoints != 1 || stats.EnabledEndpoints != 1 {
		t.Errorf("endpoint counts = %d/%d, want 1/1", stats.Endpoints, stats.EnabledEndpoints)
	}
	if stats.Images.Loaded != 1 {
		t.Errorf("loaded images = %d, want 1", stats.Images.Loaded)
	}
}

func TestRouter_CreateEndpointValidation(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "POST", "/admin/endpoints", `{"name": "x", "domain": "d", "method": "YEET", "path": "/x"}`)
	if w.Code != 400 {
		t.Errorf("invalid method = %d, want 400", w.Code)
	}

	if w = f.do(t, "POST", "/admin/endpoints", "{not json"); w.Code != 400 {
		t.Errorf("malformed body = %d, want 400", w.Code)
	}
}

func TestRouter_DuplicateRouteConflicts(t *testing.T) {
	f := newRouterFixture(t)

	if w := f.do(t, "POST", "/admin/endpoints", endpointJSON); w.Code != 201 {
		t.Fatalf("create = %d, want 201", w.Code)
	}
	if w := f.do(t, "POST", "/admin/endpoints", endpointJSON); w.Code != 409 {
		t.Errorf("duplicate route = %d, want 409", w.Code)
	}
}

func TestRouter_AdminRequestID(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "GET", "/admin/endpoints", "")
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("admin response missing X-Request-Id")
	}

	req := httptest.NewRequest("GET", "/admin/endpoints", nil)
	req.Header.Set("X-Request-Id", "req-777")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-777" {
		t.Errorf("X-Request-Id = %q, want the caller's req-777", got)
	}
}

func TestRouter_SecurityHeadersOnAdmin(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, "GET", "/admin/stats", "")
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}
