// Package integration provides a reusable test harness for end-to-end
// testing of the edge-hive gateway. It starts a full HTTP server with the
// admin surface, the catch-all dispatcher, a handler registry backed by an
// in-process loader, live provider actors, and an in-memory store.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/config"
	"github.com/Senneseph/edge-hive/internal/dispatch"
	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/internal/provider"
	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/internal/store"
	"github.com/Senneseph/edge-hive/internal/transport"
	"github.com/Senneseph/edge-hive/sdk"
)

// Harness encapsulates a fully wired gateway instance for integration
// testing. Internal components are exposed for scenarios that need to
// observe registry or store state directly.
type Harness struct {
	t      *testing.T
	server *httptest.Server

	Store     *store.MemoryStore
	Index     *dispatch.Index
	Runtime   *runtime.Registry
	Providers *provider.Registry
	Compiler  *SourceCompiler

	cfg    *config.Config
	log    *zap.Logger
	clock  clockwork.Clock
	loader *runtime.FuncLoader
}

// Option configures the test harness.
type Option func(*config.Config)

// WithHandlerTimeout bounds one handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *config.Config) { c.Gateway.HandlerTimeout = d }
}

// WithDrainDeadline bounds how long a retired image may hold in-flight
// requests before the forced unload.
func WithDrainDeadline(d time.Duration) Option {
	return func(c *config.Config) { c.Runtime.DrainDeadline = d }
}

// WithEnv sets the read-only configuration map exposed to handler code.
func WithEnv(env map[string]string) Option {
	return func(c *config.Config) { c.Gateway.Env = env }
}

// WithMaxBodyBytes caps inbound gateway request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config.Config) { c.Gateway.MaxBodyBytes = n }
}

// SourceCompiler resolves endpoint source against a table of in-process
// handler factories instead of invoking the native toolchain. Source text
// is the lookup key; each compile of an endpoint publishes the next build
// number so swaps are observable from responses.
type SourceCompiler struct {
	loader *runtime.FuncLoader

	mu      sync.Mutex
	sources map[string]func(build int) sdk.HandlerFunc
	builds  map[string]int
}

// RegisterSource maps handler source text to a factory producing the
// handler for each successive build of that source.
func (c *SourceCompiler) RegisterSource(source string, factory func(build int) sdk.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[source] = factory
}

// Compile implements transport.HandlerCompiler. Unregistered source fails
// the way a broken build would.
func (c *SourceCompiler) Compile(_ context.Context, id, source string) (string, error) {
	c.mu.Lock()
	factory, ok := c.sources[source]
	if !ok {
		c.mu.Unlock()
		return "", &sdk.ErrorEnvelope{
			Code:    sdk.ErrCompileError,
			Message: "handler source did not compile",
		}
	}
	c.builds[id]++
	build := c.builds[id]
	c.mu.Unlock()

	path := c.ArtifactPath(id)
	c.loader.Register(path, factory(build))
	return path, nil
}

// ArtifactPath implements transport.HandlerCompiler.
func (c *SourceCompiler) ArtifactPath(id string) string {
	return "artifacts/" + runtime.ArtifactName(id)
}

// Builds returns how many times the endpoint has been compiled.
func (c *SourceCompiler) Builds(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds[id]
}

// EchoSource is pre-registered in every harness: each build responds
// 200 "build-N" so tests can observe which image served a request.
const EchoSource = "package handler // echo"

// NewHarness creates and starts a full gateway test instance. The server
// and registries are cleaned up when the test completes.
func NewHarness(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Gateway.HandlerTimeout = 10 * time.Second
	cfg.Runtime.DrainDeadline = 10 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Harness{
		t:      t,
		cfg:    cfg,
		log:    zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		loader: runtime.NewFuncLoader(),
		Store:  store.NewMemoryStore(),
	}
	h.Compiler = &SourceCompiler{
		loader:  h.loader,
		sources: make(map[string]func(int) sdk.HandlerFunc),
		builds:  make(map[string]int),
	}
	h.Compiler.RegisterSource(EchoSource, func(build int) sdk.HandlerFunc {
		return func(_ *sdk.Context, _ *sdk.Request) *sdk.Response {
			return sdk.Text(200, fmt.Sprintf("build-%d", build))
		}
	})

	h.start()
	return h
}

// start wires registries, router, and server against the harness's store
// and loader. Boot order mirrors the gateway binary: the route index is
// hydrated and images restored before the listener opens.
func (h *Harness) start() {
	h.t.Helper()

	// A fresh registry per start keeps Restart from re-registering
	// collectors.
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	h.Index = dispatch.NewIndex(nil, metrics)
	h.Runtime = runtime.NewRegistry(h.loader, h.log, h.clock, metrics)
	h.Providers = provider.NewRegistry(h.Store, h.log, h.clock, metrics)

	ctx := context.Background()
	endpoints, err := h.Store.ListEndpoints(ctx)
	if err != nil {
		h.t.Fatalf("hydrate routes: %v", err)
	}
	h.Index.Replace(endpoints)
	for _, e := range endpoints {
		if !e.Enabled || !e.Compiled {
			continue
		}
		if err := h.Runtime.Load(e.ID, h.Compiler.ArtifactPath(e.ID)); err != nil {
			h.t.Fatalf("restore image %s: %v", e.ID, err)
		}
	}
	descriptors, err := h.Store.ListProviders(ctx)
	if err != nil {
		h.t.Fatalf("list providers: %v", err)
	}
	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		if err := h.Providers.Activate(ctx, d.ID); err != nil {
			h.t.Fatalf("activate provider %s: %v", d.Name, err)
		}
	}

	gateway := dispatch.NewDispatcher(h.Index, h.Runtime, h.Providers, dispatch.Config{
		HandlerTimeout: h.cfg.Gateway.HandlerTimeout,
		MaxBodyBytes:   h.cfg.Gateway.MaxBodyBytes,
		Env:            h.cfg.Gateway.Env,
	}, h.log, metrics)

	router := transport.NewRouter(transport.Dependencies{
		Config:    h.cfg,
		Log:       h.log,
		Store:     h.Store,
		Index:     h.Index,
		Runtime:   h.Runtime,
		Providers: h.Providers,
		Compiler:  h.Compiler,
		Gateway:   gateway,
	})

	h.server = httptest.NewServer(router)
	h.t.Cleanup(h.stop)
}

// stop shuts the harness down in the binary's order: HTTP first, then the
// runtime before the providers.
func (h *Harness) stop() {
	if h.server == nil {
		return
	}
	h.server.Close()
	h.server = nil
	h.Runtime.Close()
	h.Providers.Close()
}

// Restart simulates a process restart: everything in memory is discarded
// and rebuilt from the store. Compiled artifacts survive, as they would on
// disk.
func (h *Harness) Restart() {
	h.t.Helper()
	h.stop()
	h.start()
}

// BaseURL returns the test server's base URL.
func (h *Harness) BaseURL() string {
	return h.server.URL
}

// --- HTTP helpers ---

// Admin performs a request against the admin surface.
func (h *Harness) Admin(method, path, body string) *http.Response {
	h.t.Helper()
	return h.do(method, path, body, "")
}

// Gateway performs a request against the catch-all dispatcher for the
// given endpoint domain.
func (h *Harness) Gateway(method, domain, path, body string) *http.Response {
	h.t.Helper()
	return h.do(method, path, body, domain)
}

func (h *Harness) do(method, path, body, host string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if host != "" {
		req.Host = host
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *Harness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as a string.
func (h *Harness) ReadBody(resp *http.Response) string {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return string(data)
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *Harness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// ErrorCode reads an error response and returns the envelope code.
func (h *Harness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Admin shorthand ---

// CompileResult mirrors the compile hook's response body.
type CompileResult struct {
	EndpointID string `json:"endpoint_id"`
	Artifact   string `json:"artifact"`
	Loaded     bool   `json:"loaded"`
	Swap       *struct {
		Swapped     bool   `json:"swapped"`
		OldInFlight uint64 `json:"old_in_flight"`
		Draining    bool   `json:"draining"`
	} `json:"swap,omitempty"`
}

// CreateEndpoint creates an enabled endpoint through the admin API and
// returns its id.
func (h *Harness) CreateEndpoint(t *testing.T, domain, method, path, source string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]any{
		"name":    strings.Trim(strings.ReplaceAll(path, "/", "-"), "-"),
		"domain":  domain,
		"method":  method,
		"path":    path,
		"code":    source,
		"enabled": true,
	})
	resp := h.Admin("POST", "/admin/endpoints", string(payload))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create endpoint = %d, want 201\nbody: %s", resp.StatusCode, h.ReadBody(resp))
	}
	var created struct {
		ID string `json:"id"`
	}
	h.ParseJSON(resp, &created)
	if created.ID == "" {
		t.Fatal("created endpoint has no id")
	}
	return created.ID
}

// Compile invokes the compile hook and returns its result.
func (h *Harness) Compile(t *testing.T, id string) CompileResult {
	t.Helper()

	resp := h.Admin("POST", "/admin/endpoints/"+id+"/compile", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compile = %d, want 200\nbody: %s", resp.StatusCode, h.ReadBody(resp))
	}
	var result CompileResult
	h.ParseJSON(resp, &result)
	return result
}

// CreateService creates a provider descriptor through the admin API and
// returns its id.
func (h *Harness) CreateService(t *testing.T, name, kind, subtype string, cfg map[string]string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]any{
		"name":    name,
		"kind":    kind,
		"subtype": subtype,
		"config":  cfg,
	})
	resp := h.Admin("POST", "/admin/services", string(payload))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create service = %d, want 201\nbody: %s", resp.StatusCode, h.ReadBody(resp))
	}
	var created struct {
		ID string `json:"id"`
	}
	h.ParseJSON(resp, &created)
	return created.ID
}

// ActivateService opens the named service's connection through the admin
// API.
func (h *Harness) ActivateService(t *testing.T, id string) {
	t.Helper()
	resp := h.Admin("POST", "/admin/services/"+id+"/activate", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

// WaitFor polls cond every 20ms until it holds or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}
