package runtime

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/sdk"
)

// Watchdog backoff bounds. The floor keeps short drains responsive; the
// ceiling keeps long drains from busy-waiting.
const (
	drainPollFloor   = 100 * time.Millisecond
	drainPollCeiling = time.Second
)

// SwapResult reports the outcome of a swap at the moment it was published.
type SwapResult struct {
	Swapped     bool   `json:"swapped"`
	OldInFlight uint64 `json:"old_in_flight"`
	Draining    bool   `json:"draining"`
}

// Stats is a point-in-time snapshot of registry state. Counts are read
// per-image without a global lock, so they are not transactional across
// images.
type Stats struct {
	Loaded           int    `json:"loaded"`
	Draining         int    `json:"draining"`
	ActiveRequests   uint64 `json:"active_requests"`
	DrainingRequests uint64 `json:"draining_requests"`
}

// Registry maps endpoint ids to their currently loaded handler image and
// tracks retired images until they drain. The active slot is the only one
// dispatch code can observe; a retired image is owned by its watchdog.
type Registry struct {
	loader  Loader
	log     *zap.Logger
	clock   clockwork.Clock
	metrics *observability.Metrics

	mu      sync.RWMutex
	active  map[string]*Image
	retired []*Image

	watchdogs sync.WaitGroup
}

// NewRegistry returns an empty registry using the given loader.
func NewRegistry(loader Loader, log *zap.Logger, clock clockwork.Clock, metrics *observability.Metrics) *Registry {
	return &Registry{
		loader:  loader,
		log:     log,
		clock:   clock,
		metrics: metrics,
		active:  make(map[string]*Image),
	}
}

// publishGauges refreshes the loaded and draining image gauges from a
// fresh snapshot.
func (r *Registry) publishGauges() {
	s := r.Stats()
	r.metrics.SetImageCounts(s.Loaded, s.Draining)
}

// Load opens the artifact and publishes it as the active image for id.
func (r *Registry) Load(id, artifactPath string) error {
	handle, err := r.loader.Load(artifactPath)
	if err != nil {
		r.metrics.RecordImageLoad("error")
		return err
	}

	r.mu.Lock()
	if _, exists := r.active[id]; exists {
		r.mu.Unlock()
		_ = handle.Close()
		return NewAlreadyLoadedError(id)
	}
	r.active[id] = newImage(handle, artifactPath, r.clock.Now())
	r.mu.Unlock()

	r.metrics.RecordImageLoad("ok")
	r.publishGauges()
	r.log.Info("handler loaded",
		zap.String("endpoint_id", id),
		zap.String("artifact", artifactPath))
	return nil
}

// Swap replaces the active image for id and drains the old one with no
// deadline. No in-flight request is dropped.
func (r *Registry) Swap(id, newArtifactPath string) (SwapResult, error) {
	return r.swap(id, newArtifactPath, 0)
}

// SwapGraceful replaces the active image for id and drains the old one
// under a finite deadline. When the deadline elapses the old library is
// closed even if requests are still in flight.
func (r *Registry) SwapGraceful(id, newArtifactPath string, deadline time.Duration) (SwapResult, error) {
	return r.swap(id, newArtifactPath, deadline)
}

func (r *Registry) swap(id, newArtifactPath string, deadline time.Duration) (SwapResult, error) {
	handle, err := r.loader.Load(newArtifactPath)
	if err != nil {
		r.metrics.RecordImageLoad("error")
		return SwapResult{}, err
	}

	r.mu.Lock()
	old, exists := r.active[id]
	if !exists {
		r.mu.Unlock()
		_ = handle.Close()
		return SwapResult{}, NewNotLoadedError(id)
	}
	r.active[id] = newImage(handle, newArtifactPath, r.clock.Now())
	old.BeginDrain()
	r.retired = append(r.retired, old)
	r.mu.Unlock()

	inFlight := old.ActiveCount()
	r.watchdogs.Add(1)
	go r.watch(id, old, deadline)

	r.metrics.RecordImageLoad("ok")
	if inFlight == 0 {
		r.metrics.RecordImageSwap("clean")
	} else {
		r.metrics.RecordImageSwap("draining")
	}
	r.publishGauges()
	r.log.Info("handler swapped",
		zap.String("endpoint_id", id),
		zap.String("artifact", newArtifactPath),
		zap.Uint64("old_in_flight", inFlight),
		zap.Duration("drain_deadline", deadline))
	return SwapResult{Swapped: true, OldInFlight: inFlight, Draining: true}, nil
}

// Unload retires the active image for id and leaves the watchdog to close
// it once drained.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	img, exists := r.active[id]
	if !exists {
		r.mu.Unlock()
		return NewNotLoadedError(id)
	}
	delete(r.active, id)
	img.BeginDrain()
	r.retired = append(r.retired, img)
	r.mu.Unlock()

	r.watchdogs.Add(1)
	go r.watch(id, img, 0)

	r.publishGauges()
	r.log.Info("handler unloading",
		zap.String("endpoint_id", id),
		zap.Uint64("in_flight", img.ActiveCount()))
	return nil
}

// Loaded reports whether an active image exists for id.
func (r *Registry) Loaded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[id]
	return ok
}

// Execute runs the active handler for id under an admission guard. The
// guard is released when the handler returns, on every path. A Draining
// error marks the narrow window between a swap publishing the new image
// and this call's acquire; callers retry once against the new image.
func (r *Registry) Execute(id string, ctx *sdk.Context, req *sdk.Request) (*sdk.Response, error) {
	img, guard, err := r.acquire(id)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return img.Execute(ctx, req)
}

// ExecuteWithTimeout is Execute bounded by d. On timeout the caller gets
// HANDLER_TIMEOUT but the handler keeps running and its guard stays held
// until it returns; handler code is not assumed to be cancellation-safe.
func (r *Registry) ExecuteWithTimeout(id string, ctx *sdk.Context, req *sdk.Request, d time.Duration) (*sdk.Response, error) {
	img, guard, err := r.acquire(id)
	if err != nil {
		return nil, err
	}

	type execResult struct {
		resp *sdk.Response
		err  error
	}
	done := make(chan execResult, 1)
	go func() {
		defer guard.Release()
		resp, execErr := img.Execute(ctx, req)
		done <- execResult{resp, execErr}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-r.clock.After(d):
		r.log.Warn("handler exceeded timeout, abandoning request",
			zap.String("endpoint_id", id),
			zap.String("request_id", req.RequestID),
			zap.Duration("timeout", d))
		return nil, NewHandlerTimeoutError(id)
	}
}

func (r *Registry) acquire(id string) (*Image, *Guard, error) {
	r.mu.RLock()
	img, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, NewNotLoadedError(id)
	}
	guard, ok := img.Acquire()
	if !ok {
		return nil, nil, NewDrainingError(id)
	}
	return img, guard, nil
}

// CleanupDrained closes and removes every retired image that has drained.
// Watchdogs normally do this; the sweep covers images whose watchdog was
// lost to process restart logic or tests that disable it.
func (r *Registry) CleanupDrained() int {
	r.mu.Lock()
	removed := 0
	kept := r.retired[:0]
	for _, img := range r.retired {
		if img.Drained() {
			_ = img.close()
			removed++
			continue
		}
		kept = append(kept, img)
	}
	r.retired = kept
	r.mu.Unlock()

	if removed > 0 {
		r.publishGauges()
	}
	return removed
}

// Stats returns a snapshot of loaded and draining image counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Loaded: len(r.active), Draining: len(r.retired)}
	for _, img := range r.active {
		s.ActiveRequests += img.ActiveCount()
	}
	for _, img := range r.retired {
		s.DrainingRequests += img.ActiveCount()
	}
	return s
}

// Close retires every active image and waits for all watchdogs to finish
// draining. Used at gateway shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	for id, img := range r.active {
		delete(r.active, id)
		img.BeginDrain()
		r.retired = append(r.retired, img)
		r.watchdogs.Add(1)
		go r.watch(id, img, 0)
	}
	r.mu.Unlock()

	r.watchdogs.Wait()
}

// watch polls a retired image until it drains, then closes its library
// handle and removes it from the retired set. With a finite deadline the
// handle is closed when the deadline elapses even if requests remain in
// flight; handler code still running then executes against unmapped
// memory, so the forced unload is logged at error level.
func (r *Registry) watch(id string, img *Image, deadline time.Duration) {
	defer r.watchdogs.Done()

	var expiry time.Time
	if deadline > 0 {
		expiry = r.clock.Now().Add(deadline)
	}

	backoff := drainPollFloor
	for !img.Drained() {
		if !expiry.IsZero() && !r.clock.Now().Before(expiry) {
			r.metrics.RecordForcedUnload()
			r.log.Error("drain deadline exceeded, forcing unload",
				zap.String("endpoint_id", id),
				zap.String("artifact", img.Artifact()),
				zap.Uint64("in_flight", img.ActiveCount()),
				zap.Duration("deadline", deadline))
			break
		}
		r.clock.Sleep(backoff)
		backoff *= 2
		if backoff > drainPollCeiling {
			backoff = drainPollCeiling
		}
	}

	_ = img.close()

	r.mu.Lock()
	for i, candidate := range r.retired {
		if candidate == img {
			r.retired = append(r.retired[:i], r.retired[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.publishGauges()
	r.log.Info("handler image closed",
		zap.String("endpoint_id", id),
		zap.String("artifact", img.Artifact()))
}
