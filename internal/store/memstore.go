package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Senneseph/edge-hive/model"
	"github.com/Senneseph/edge-hive/sdk"
)

// MemoryStore is an in-memory Store for tests and single-node setups.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]model.Endpoint
	providers map[string]model.ProviderDescriptor
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[string]model.Endpoint),
		providers: make(map[string]model.ProviderDescriptor),
	}
}

func routeKeyTaken(endpoints map[string]model.Endpoint, e *model.Endpoint) bool {
	domain, method, path := e.RouteKey()
	for _, other := range endpoints {
		if other.ID == e.ID || !other.Enabled {
			continue
		}
		d, m, p := other.RouteKey()
		if d == domain && m == method && p == path {
			return true
		}
	}
	return false
}

// CreateEndpoint persists a new endpoint.
func (s *MemoryStore) CreateEndpoint(_ context.Context, e *model.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[e.ID]; exists {
		return sdk.NewConflictError(fmt.Sprintf("endpoint %q already exists", e.ID))
	}
	if e.Enabled && routeKeyTaken(s.endpoints, e) {
		return sdk.NewConflictError(
			fmt.Sprintf("route %s %s %s is already taken", e.Domain, strings.ToUpper(e.Method), e.Path))
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.endpoints[e.ID] = *e
	return nil
}

// GetEndpoint retrieves an endpoint by id.
func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*model.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.endpoints[id]
	if !exists {
		return nil, sdk.NewNotFoundError(fmt.Sprintf("endpoint %q not found", id))
	}
	return &e, nil
}

// ListEndpoints returns all endpoints ordered by creation time.
func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*model.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		e := e
		result = append(result, &e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateEndpoint persists changes to an existing endpoint.
func (s *MemoryStore) UpdateEndpoint(_ context.Context, e *model.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.endpoints[e.ID]
	if !exists {
		return sdk.NewNotFoundError(fmt.Sprintf("endpoint %q not found", e.ID))
	}
	if e.Enabled && routeKeyTaken(s.endpoints, e) {
		return sdk.NewConflictError(
			fmt.Sprintf("route %s %s %s is already taken", e.Domain, strings.ToUpper(e.Method), e.Path))
	}

	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = time.Now().UTC()
	s.endpoints[e.ID] = *e
	return nil
}

// DeleteEndpoint removes an endpoint.
func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[id]; !exists {
		return sdk.NewNotFoundError(fmt.Sprintf("endpoint %q not found", id))
	}
	delete(s.endpoints, id)
	return nil
}

// ListProviders returns all provider descriptors ordered by name.
func (s *MemoryStore) ListProviders(_ context.Context) ([]*model.ProviderDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.ProviderDescriptor, 0, len(s.providers))
	for _, d := range s.providers {
		d := d
		result = append(result, &d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetProvider retrieves a provider descriptor by id.
func (s *MemoryStore) GetProvider(_ context.Context, id string) (*model.ProviderDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.providers[id]
	if !exists {
		return nil, sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", id))
	}
	return &d, nil
}

// GetProviderByName retrieves a provider descriptor by its unique name.
func (s *MemoryStore) GetProviderByName(_ context.Context, name string) (*model.ProviderDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.providers {
		if d.Name == name {
			d := d
			return &d, nil
		}
	}
	return nil, sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", name))
}

// CreateProvider persists a new provider descriptor.
func (s *MemoryStore) CreateProvider(_ context.Context, d *model.ProviderDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.providers[d.ID]; exists {
		return sdk.NewConflictError(fmt.Sprintf("provider %q already exists", d.ID))
	}
	for _, other := range s.providers {
		if other.Name == d.Name {
			return sdk.NewConflictError(fmt.Sprintf("provider name %q is already taken", d.Name))
		}
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.providers[d.ID] = *d
	return nil
}

// UpdateProvider persists changes to an existing provider descriptor.
func (s *MemoryStore) UpdateProvider(_ context.Context, d *model.ProviderDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.providers[d.ID]
	if !exists {
		return sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", d.ID))
	}
	for _, other := range s.providers {
		if other.ID != d.ID && other.Name == d.Name {
			return sdk.NewConflictError(fmt.Sprintf("provider name %q is already taken", d.Name))
		}
	}

	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	s.providers[d.ID] = *d
	return nil
}

// DeleteProvider removes a provider descriptor.
func (s *MemoryStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.providers[id]; !exists {
		return sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", id))
	}
	delete(s.providers, id)
	return nil
}
