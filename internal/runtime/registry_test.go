package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/sdk"
)

func testMetrics() *observability.Metrics {
	return observability.InitMetrics(prometheus.NewRegistry())
}

func newTestRegistry() (*Registry, *FuncLoader) {
	loader := NewFuncLoader()
	return NewRegistry(loader, zap.NewNop(), clockwork.NewRealClock(), testMetrics()), loader
}

func staticHandler(body string) sdk.HandlerFunc {
	return func(_ *sdk.Context, _ *sdk.Request) *sdk.Response {
		return sdk.Text(200, body)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestRegistry_LoadAndExecute(t *testing.T) {
	r, loader := newTestRegistry()
	loader.Register("e1.so", staticHandler("hello"))

	if err := r.Load("e1", "e1.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	resp, err := r.Execute("e1", sdk.NewContext("req-1", nil, nil), &sdk.Request{Method: "GET", Path: "/hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "hello" {
		t.Errorf("response = %d %q, want 200 hello", resp.Status, resp.Body)
	}
	if got := r.Stats(); got.Loaded != 1 || got.ActiveRequests != 0 {
		t.Errorf("Stats = %+v, want loaded=1 active=0", got)
	}
}

func TestRegistry_LoadTwiceFails(t *testing.T) {
	r, loader := newTestRegistry()
	loader.Register("e1.so", staticHandler("v1"))

	if err := r.Load("e1", "e1.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	err := r.Load("e1", "e1.so")
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrAlreadyLoaded {
		t.Fatalf("second Load error = %v, want %s", err, sdk.ErrAlreadyLoaded)
	}
}

func TestRegistry_LoadMissingArtifact(t *testing.T) {
	r, _ := newTestRegistry()

	err := r.Load("e1", "nope.so")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("Load error = %T, want *LoadError", err)
	}
	if le.Reason != LoadMissingFile {
		t.Errorf("Reason = %s, want %s", le.Reason, LoadMissingFile)
	}
}

func TestRegistry_ExecuteNotLoaded(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.Execute("ghost", sdk.NewContext("req-1", nil, nil), &sdk.Request{})
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrNotLoaded {
		t.Fatalf("Execute error = %v, want %s", err, sdk.ErrNotLoaded)
	}
}

func TestRegistry_SwapFailureKeepsOldImage(t *testing.T) {
	r, loader := newTestRegistry()
	loader.Register("v1.so", staticHandler("v1"))

	if err := r.Load("e1", "v1.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := r.SwapGraceful("e1", "missing.so", time.Second); err == nil {
		t.Fatal("SwapGraceful with missing artifact succeeded")
	}

	resp, err := r.Execute("e1", sdk.NewContext("req-1", nil, nil), &sdk.Request{})
	if err != nil {
		t.Fatalf("Execute after failed swap: %v", err)
	}
	if string(resp.Body) != "v1" {
		t.Errorf("body = %q, want v1", resp.Body)
	}
}

func TestRegistry_SwapGracefulUnderLoad(t *testing.T) {
	r, loader := newTestRegistry()

	release := make(chan struct{})
	started := make(chan struct{})
	loader.Register("v1.so", func(_ *sdk.Context, _ *sdk.Request) *sdk.Response {
		close(started)
		<-release
		return sdk.Text(200, "v1")
	})
	loader.Register("v2.so", staticHandler("v2"))

	if err := r.Load("e1", "v1.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	old := make(chan *sdk.Response, 1)
	go func() {
		resp, _ := r.Execute("e1", sdk.NewContext("req-old", nil, nil), &sdk.Request{})
		old <- resp
	}()
	<-started

	res, err := r.SwapGraceful("e1", "v2.so", 5*time.Second)
	if err != nil {
		t.Fatalf("SwapGraceful: %v", err)
	}
	if !res.Swapped || !res.Draining || res.OldInFlight != 1 {
		t.Errorf("SwapResult = %+v, want swapped, draining, old_in_flight=1", res)
	}

	resp, err := r.Execute("e1", sdk.NewContext("req-new", nil, nil), &sdk.Request{})
	if err != nil {
		t.Fatalf("Execute after swap: %v", err)
	}
	if string(resp.Body) != "v2" {
		t.Errorf("new request body = %q, want v2", resp.Body)
	}

	stats := r.Stats()
	if stats.Draining != 1 || stats.DrainingRequests != 1 {
		t.Errorf("Stats during drain = %+v, want draining=1 draining_requests=1", stats)
	}

	close(release)
	if resp := <-old; string(resp.Body) != "v1" {
		t.Errorf("in-flight request body = %q, want v1", resp.Body)
	}
	waitFor(t, 2*time.Second, func() bool { return r.Stats().Draining == 0 })
}

func TestRegistry_UnloadDefersClose(t *testing.T) {
	r, loader := newTestRegistry()

	release := make(chan struct{})
	started := make(chan struct{})
	loader.Register("e1.so", func(_ *sdk.Context, _ *sdk.Request) *sdk.Response {
		close(started)
		<-release
		return sdk.OK(nil)
	})
	if err := r.Load("e1", "e1.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute("e1", sdk.NewContext("req-1", nil, nil), &sdk.Request{})
		done <- err
	}()
	<-started

	if err := r.Unload("e1"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if r.Loaded("e1") {
		t.Error("Loaded = true after Unload")
	}
	stats := r.Stats()
	if stats.Draining != 1 || stats.DrainingRequests != 1 {
		t.Errorf("Stats = %+v, want draining=1 draining_requests=1", stats)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight request failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.Stats().Draining == 0 })
}

func TestRegistry_ExecuteWithTimeout(t *testing.T) {
	r, loader := newTestRegistry()

	release := make(chan struct{})
	loader.Register("e1.so", func(_ *sdk.Context, _ *sdk.Request) *sdk.Response {
		<-release
		return sdk.OK(nil)
	})
	if err := r.Load("e1", "e1.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err := r.ExecuteWithTimeout("e1", sdk.NewContext("req-1", nil, nil), &sdk.Request{}, 20*time.Millisecond)
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrHandlerTimeout {
		t.Fatalf("error = %v, want %s", err, sdk.ErrHandlerTimeout)
	}

	// The abandoned handler still holds its guard until it returns.
	if got := r.Stats().ActiveRequests; got != 1 {
		t.Errorf("ActiveRequests = %d, want 1 while handler runs on", got)
	}
	close(release)
	waitFor(t, 2*time.Second, func() bool { return r.Stats().ActiveRequests == 0 })
}

func TestRegistry_ForcedUnloadOnDeadline(t *testing.T) {
	r, loader := newTestRegistry()

	release := make(chan struct{})
	started := make(chan struct{})
	loader.Register("v1.so", func(_ *sdk.Context, _ *sdk.Request) *sdk.Response {
		close(started)
		<-release
		return sdk.Text(200, "v1")
	})
	loader.Register("v2.so", staticHandler("v2"))

	if err := r.Load("e1", "v1.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	go func() {
		_, _ = r.Execute("e1", sdk.NewContext("req-stuck", nil, nil), &sdk.Request{})
	}()
	<-started

	if _, err := r.SwapGraceful("e1", "v2.so", 50*time.Millisecond); err != nil {
		t.Fatalf("SwapGraceful: %v", err)
	}

	// The watchdog gives up on the stuck request and closes the image.
	waitFor(t, 2*time.Second, func() bool { return r.Stats().Draining == 0 })
	close(release)
}

func TestRegistry_CleanupDrained(t *testing.T) {
	r, _ := newTestRegistry()

	drained := newImage(testHandle(staticHandler("old")), "old.so", time.Now())
	drained.BeginDrain()
	busy := newImage(testHandle(staticHandler("busy")), "busy.so", time.Now())
	g, _ := busy.Acquire()
	busy.BeginDrain()
	r.retired = append(r.retired, drained, busy)

	if removed := r.CleanupDrained(); removed != 1 {
		t.Errorf("CleanupDrained = %d, want 1", removed)
	}
	if got := r.Stats().Draining; got != 1 {
		t.Errorf("Draining = %d, want 1", got)
	}
	g.Release()
	if removed := r.CleanupDrained(); removed != 1 {
		t.Errorf("second CleanupDrained = %d, want 1", removed)
	}
}

func TestArtifactName(t *testing.T) {
	name := ArtifactName("abc-123")
	if name != "libhandler_abc-123.so" && name != "libhandler_abc-123.dylib" && name != "handler_abc-123.dll" {
		t.Errorf("ArtifactName = %q, not a recognized platform form", name)
	}
}
