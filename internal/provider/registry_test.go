package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/model"
	"github.com/Senneseph/edge-hive/sdk"
)

func testMetrics() *observability.Metrics {
	return observability.InitMetrics(prometheus.NewRegistry())
}

// fakeStore is a map-backed DescriptorStore for registry tests.
type fakeStore struct {
	byID map[string]*model.ProviderDescriptor
}

func newFakeStore(descriptors ...*model.ProviderDescriptor) *fakeStore {
	s := &fakeStore{byID: make(map[string]*model.ProviderDescriptor)}
	for _, d := range descriptors {
		s.byID[d.ID] = d
	}
	return s
}

func (s *fakeStore) ListProviders(context.Context) ([]*model.ProviderDescriptor, error) {
	out := make([]*model.ProviderDescriptor, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) GetProvider(_ context.Context, id string) (*model.ProviderDescriptor, error) {
	d, ok := s.byID[id]
	if !ok {
		return nil, sdk.NewNotFoundError("provider " + id + " not found")
	}
	return d, nil
}

func (s *fakeStore) GetProviderByName(_ context.Context, name string) (*model.ProviderDescriptor, error) {
	for _, d := range s.byID {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, sdk.NewNotFoundError("provider " + name + " not found")
}

func (s *fakeStore) CreateProvider(_ context.Context, d *model.ProviderDescriptor) error {
	s.byID[d.ID] = d
	return nil
}

func (s *fakeStore) UpdateProvider(_ context.Context, d *model.ProviderDescriptor) error {
	s.byID[d.ID] = d
	return nil
}

func (s *fakeStore) DeleteProvider(_ context.Context, id string) error {
	delete(s.byID, id)
	return nil
}

func memoryCacheDescriptor(id, name string) *model.ProviderDescriptor {
	return &model.ProviderDescriptor{
		ID:      id,
		Name:    name,
		Kind:    sdk.KindCache,
		Subtype: "memory",
		Config:  map[string]string{},
		Enabled: true,
	}
}

func TestRegistry_ActivateAndResolve(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())
	t.Cleanup(r.Close)

	if err := r.Activate(context.Background(), "p-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	client, err := r.Resolve("sessions", sdk.KindCache)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cache, ok := client.(sdk.Cache)
	if !ok {
		t.Fatalf("Resolve returned %T, want sdk.Cache", client)
	}
	if err := cache.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set through resolved client: %v", err)
	}
}

func TestRegistry_ActivateTwiceConflicts(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())
	t.Cleanup(r.Close)

	if err := r.Activate(context.Background(), "p-1"); err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	err := r.Activate(context.Background(), "p-1")
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrConflict {
		t.Fatalf("second Activate = %v, want %s", err, sdk.ErrConflict)
	}
}

func TestRegistry_ActivateUnknownSubtype(t *testing.T) {
	d := memoryCacheDescriptor("p-1", "sessions")
	d.Subtype = "memcached"
	r := NewRegistry(newFakeStore(d), zap.NewNop(), nil, testMetrics())

	err := r.Activate(context.Background(), "p-1")
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrBadRequest {
		t.Fatalf("Activate = %v, want %s", err, sdk.ErrBadRequest)
	}
}

func TestRegistry_ResolveInactive(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())

	_, err := r.Resolve("sessions", sdk.KindCache)
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrProviderNotActivated {
		t.Fatalf("Resolve = %v, want %s", err, sdk.ErrProviderNotActivated)
	}
	if !env.Transient() {
		t.Error("ProviderNotActivated should be transient")
	}
}

func TestRegistry_ResolveWrongKind(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())
	t.Cleanup(r.Close)

	if err := r.Activate(context.Background(), "p-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	_, err := r.Resolve("sessions", sdk.KindDatabase)
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrProviderWrongKind {
		t.Fatalf("Resolve = %v, want %s", err, sdk.ErrProviderWrongKind)
	}
}

func TestRegistry_DeactivateStopsActor(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())

	if err := r.Activate(context.Background(), "p-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	client, err := r.Resolve("sessions", sdk.KindCache)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := r.Deactivate(context.Background(), "p-1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	if _, rerr := r.Resolve("sessions", sdk.KindCache); rerr == nil {
		t.Error("Resolve succeeded after Deactivate")
	}
	_, _, gerr := client.(sdk.Cache).Get(context.Background(), "k")
	env := &sdk.ErrorEnvelope{}
	if !errors.As(gerr, &env) || env.Code != sdk.ErrProviderStopping {
		t.Fatalf("Get on stopped handle = %v, want %s", gerr, sdk.ErrProviderStopping)
	}
}

func TestRegistry_DeactivateInactive(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())

	err := r.Deactivate(context.Background(), "p-1")
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrProviderNotActivated {
		t.Fatalf("Deactivate = %v, want %s", err, sdk.ErrProviderNotActivated)
	}
}

func TestRegistry_DeleteActiveConflicts(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())
	t.Cleanup(r.Close)

	if err := r.Activate(context.Background(), "p-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	err := r.Delete(context.Background(), "p-1")
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrConflict {
		t.Fatalf("Delete = %v, want %s", err, sdk.ErrConflict)
	}
}

func TestRegistry_ListRedactsSecretsAndReportsState(t *testing.T) {
	d := memoryCacheDescriptor("p-1", "sessions")
	d.Config = map[string]string{"password": "hunter2", "host": "localhost"}
	r := NewRegistry(newFakeStore(d), zap.NewNop(), nil, testMetrics())
	t.Cleanup(r.Close)

	if err := r.Activate(context.Background(), "p-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	statuses, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("List returned %d providers, want 1", len(statuses))
	}
	got := statuses[0]
	if !got.Active {
		t.Error("List does not report the provider active")
	}
	if got.Config["password"] != "[REDACTED]" {
		t.Errorf("password = %q, want [REDACTED]", got.Config["password"])
	}
	if got.Config["host"] != "localhost" {
		t.Errorf("host = %q, non-secret config should pass through", got.Config["host"])
	}
}

func TestRegistry_TestInactiveUsesTransientConnection(t *testing.T) {
	r := NewRegistry(newFakeStore(memoryCacheDescriptor("p-1", "sessions")), zap.NewNop(), nil, testMetrics())

	if _, err := r.Test(context.Background(), "p-1"); err != nil {
		t.Fatalf("Test: %v", err)
	}
	// Probing must not leave the provider activated.
	if _, err := r.Resolve("sessions", sdk.KindCache); err == nil {
		t.Error("Test activated the provider")
	}
}
