package provider

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/model"
	"github.com/Senneseph/edge-hive/sdk"
)

// DescriptorStore persists provider descriptors. The registry owns the
// running actors; the store owns the records.
type DescriptorStore interface {
	ListProviders(ctx context.Context) ([]*model.ProviderDescriptor, error)
	GetProvider(ctx context.Context, id string) (*model.ProviderDescriptor, error)
	GetProviderByName(ctx context.Context, name string) (*model.ProviderDescriptor, error)
	CreateProvider(ctx context.Context, d *model.ProviderDescriptor) error
	UpdateProvider(ctx context.Context, d *model.ProviderDescriptor) error
	DeleteProvider(ctx context.Context, id string) error
}

// Registry maps provider names to running actors and fronts the descriptor
// store for configuration. Descriptors exist independently of activation;
// only activate spawns an actor.
type Registry struct {
	store   DescriptorStore
	log     *zap.Logger
	clock   clockwork.Clock
	metrics *observability.Metrics

	mu     sync.RWMutex
	actors map[string]*Actor
}

// NewRegistry returns a Registry with no active providers.
func NewRegistry(store DescriptorStore, log *zap.Logger, clock clockwork.Clock, metrics *observability.Metrics) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		store:   store,
		log:     log,
		clock:   clock,
		metrics: metrics,
		actors:  make(map[string]*Actor),
	}
}

// publishActiveGauge refreshes the per-kind active gauge. Every kind is
// written so a deactivation drops its count back to zero.
func (r *Registry) publishActiveGauge() {
	counts := make(map[sdk.ProviderKind]int)
	r.mu.RLock()
	for _, actor := range r.actors {
		counts[actor.Kind()]++
	}
	r.mu.RUnlock()

	for _, kind := range sdk.ProviderKinds() {
		r.metrics.SetProvidersActive(string(kind), float64(counts[kind]))
	}
}

// List returns every configured descriptor, secrets redacted, with the
// current activation state filled in.
func (r *Registry) List(ctx context.Context) ([]model.ProviderStatus, error) {
	descriptors, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ProviderStatus, 0, len(descriptors))
	for _, d := range descriptors {
		_, active := r.actors[d.Name]
		out = append(out, model.ProviderStatus{
			ProviderDescriptor: d.Sanitized(),
			Active:             active,
		})
	}
	return out, nil
}

// Get returns one descriptor, secrets redacted.
func (r *Registry) Get(ctx context.Context, id string) (*model.ProviderStatus, error) {
	d, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	_, active := r.actors[d.Name]
	r.mu.RUnlock()
	status := &model.ProviderStatus{ProviderDescriptor: d.Sanitized(), Active: active}
	return status, nil
}

// Create persists a new descriptor. It does not activate.
func (r *Registry) Create(ctx context.Context, d *model.ProviderDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.store.CreateProvider(ctx, d)
}

// Update persists changes to a descriptor. A running actor keeps its old
// configuration until the provider is reactivated.
func (r *Registry) Update(ctx context.Context, d *model.ProviderDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.store.UpdateProvider(ctx, d)
}

// Delete removes a descriptor. The provider must be deactivated first.
func (r *Registry) Delete(ctx context.Context, id string) error {
	d, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return err
	}
	r.mu.RLock()
	_, active := r.actors[d.Name]
	r.mu.RUnlock()
	if active {
		return sdk.NewConflictError("provider " + d.Name + " is active; deactivate it first")
	}
	return r.store.DeleteProvider(ctx, id)
}

// Activate loads the descriptor, opens the backend, and publishes the actor
// under the provider's name. Nothing is published when the open fails.
func (r *Registry) Activate(ctx context.Context, id string) error {
	d, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return err
	}

	r.mu.RLock()
	_, active := r.actors[d.Name]
	r.mu.RUnlock()
	if active {
		return sdk.NewConflictError("provider " + d.Name + " is already active")
	}

	drv, err := openDriver(ctx, d, r.clock)
	if err != nil {
		if env, ok := err.(*sdk.ErrorEnvelope); ok {
			return env
		}
		return sdk.NewProviderConnectionError(err.Error())
	}

	depth := DefaultInboxDepth
	if raw := d.Config["inbox_depth"]; raw != "" {
		if n, perr := strconv.Atoi(raw); perr == nil && n > 0 {
			depth = n
		}
	}

	r.mu.Lock()
	if _, raced := r.actors[d.Name]; raced {
		r.mu.Unlock()
		drv.close()
		return sdk.NewConflictError("provider " + d.Name + " is already active")
	}
	actor := startActor(d.Name, d.Kind, *drv, depth, r.log, r.metrics)
	r.actors[d.Name] = actor
	r.mu.Unlock()

	r.publishActiveGauge()
	r.log.Info("provider activated",
		zap.String("provider_id", id),
		zap.String("name", d.Name),
		zap.String("kind", string(d.Kind)),
		zap.String("subtype", d.Subtype))
	return nil
}

// Deactivate stops the actor and removes it from the registry. Commands
// the actor already accepted run to completion before its pool closes.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	d, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	actor, ok := r.actors[d.Name]
	if ok {
		delete(r.actors, d.Name)
	}
	r.mu.Unlock()
	if !ok {
		return sdk.NewProviderNotActivatedError(d.Name)
	}

	actor.stop()
	r.publishActiveGauge()
	r.log.Info("provider deactivated",
		zap.String("provider_id", id),
		zap.String("name", d.Name))
	return nil
}

// Test probes the provider's backend. An active provider is probed through
// its actor; an inactive one gets a transient connection that is torn down
// before Test returns.
func (r *Registry) Test(ctx context.Context, id string) (time.Duration, error) {
	d, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	actor, active := r.actors[d.Name]
	r.mu.RUnlock()
	if active {
		latency, terr := actor.TestConnection(ctx)
		r.recordTest(d.Kind, terr)
		return latency, terr
	}

	start := r.clock.Now()
	drv, err := openDriver(ctx, d, r.clock)
	if err != nil {
		r.metrics.RecordProviderTest(string(d.Kind), "error")
		if env, ok := err.(*sdk.ErrorEnvelope); ok {
			return 0, env
		}
		return 0, sdk.NewProviderConnectionError(err.Error())
	}
	defer drv.close()
	if err := drv.ping(ctx); err != nil {
		r.metrics.RecordProviderTest(string(d.Kind), "error")
		return r.clock.Since(start), sdk.NewProviderConnectionError(err.Error())
	}
	r.metrics.RecordProviderTest(string(d.Kind), "ok")
	return r.clock.Since(start), nil
}

func (r *Registry) recordTest(kind sdk.ProviderKind, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordProviderTest(string(kind), status)
}

// Resolve returns the kind-typed client for an activated provider. Handler
// contexts call this on every provider lookup.
func (r *Registry) Resolve(name string, kind sdk.ProviderKind) (any, error) {
	r.mu.RLock()
	actor, ok := r.actors[name]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordProviderResolve(string(kind), "not_activated")
		return nil, sdk.NewProviderNotActivatedError(name)
	}
	if actor.Kind() != kind {
		r.metrics.RecordProviderResolve(string(kind), "wrong_kind")
		return nil, sdk.NewProviderWrongKindError(name, string(kind), string(actor.Kind()))
	}
	client := actor.Client()
	if client == nil {
		r.metrics.RecordProviderResolve(string(kind), "wrong_kind")
		return nil, sdk.NewProviderWrongKindError(name, string(kind), string(actor.Kind()))
	}
	r.metrics.RecordProviderResolve(string(kind), "ok")
	return client, nil
}

// Close stops every active actor. Used on gateway shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for name, actor := range r.actors {
		actors = append(actors, actor)
		delete(r.actors, name)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, actor := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.stop()
		}(actor)
	}
	wg.Wait()
	r.publishActiveGauge()
}
