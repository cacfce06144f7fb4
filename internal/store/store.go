// Package store persists endpoint and provider records. The memory
// implementation backs tests and single-node setups; the postgres
// implementation is the production store.
package store

import (
	"context"

	"github.com/Senneseph/edge-hive/model"
)

// EndpointStore persists endpoint records.
type EndpointStore interface {
	// CreateEndpoint persists a new endpoint. Returns CONFLICT if the id or
	// the (domain, method, path) route key is already taken.
	CreateEndpoint(ctx context.Context, e *model.Endpoint) error

	// GetEndpoint retrieves an endpoint by id. Returns NOT_FOUND if absent.
	GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error)

	// ListEndpoints returns all endpoints ordered by creation time.
	ListEndpoints(ctx context.Context) ([]*model.Endpoint, error)

	// UpdateEndpoint persists changes to an existing endpoint.
	UpdateEndpoint(ctx context.Context, e *model.Endpoint) error

	// DeleteEndpoint removes an endpoint. Returns NOT_FOUND if absent.
	DeleteEndpoint(ctx context.Context, id string) error
}

// ProviderStore persists provider descriptors. Records exist independently
// of activation; the provider registry consumes this interface.
type ProviderStore interface {
	ListProviders(ctx context.Context) ([]*model.ProviderDescriptor, error)
	GetProvider(ctx context.Context, id string) (*model.ProviderDescriptor, error)
	GetProviderByName(ctx context.Context, name string) (*model.ProviderDescriptor, error)
	CreateProvider(ctx context.Context, d *model.ProviderDescriptor) error
	UpdateProvider(ctx context.Context, d *model.ProviderDescriptor) error
	DeleteProvider(ctx context.Context, id string) error
}

// Store is the full persistence surface the gateway wires together.
type Store interface {
	EndpointStore
	ProviderStore
}
