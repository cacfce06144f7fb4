package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Senneseph/edge-hive/model"
	"github.com/Senneseph/edge-hive/sdk"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck pings the underlying pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// uniqueViolation is the postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateEndpoint inserts a new endpoint.
func (s *PgStore) CreateEndpoint(ctx context.Context, e *model.Endpoint) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO endpoints (
			id, name, domain, path, method, code, compiled, enabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Name, e.Domain, e.Path, e.Method, e.Code, e.Compiled, e.Enabled,
		e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return sdk.NewConflictError(fmt.Sprintf("endpoint %q conflicts with an existing record", e.ID))
	}
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

// GetEndpoint retrieves an endpoint by id.
func (s *PgStore) GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error) {
	var e model.Endpoint
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, domain, path, method, code, compiled, enabled,
		       created_at, updated_at
		FROM endpoints
		WHERE id = $1`,
		id,
	).Scan(
		&e.ID, &e.Name, &e.Domain, &e.Path, &e.Method, &e.Code, &e.Compiled, &e.Enabled,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sdk.NewNotFoundError(fmt.Sprintf("endpoint %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query endpoint: %w", err)
	}
	return &e, nil
}

// ListEndpoints returns all endpoints ordered by creation time.
func (s *PgStore) ListEndpoints(ctx context.Context) ([]*model.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, domain, path, method, code, compiled, enabled,
		       created_at, updated_at
		FROM endpoints
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var result []*model.Endpoint
	for rows.Next() {
		var e model.Endpoint
		if err := rows.Scan(
			&e.ID, &e.Name, &e.Domain, &e.Path, &e.Method, &e.Code, &e.Compiled, &e.Enabled,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// UpdateEndpoint persists changes to an existing endpoint.
func (s *PgStore) UpdateEndpoint(ctx context.Context, e *model.Endpoint) error {
	e.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE endpoints SET
			name = $1, domain = $2, path = $3, method = $4,
			code = $5, compiled = $6, enabled = $7, updated_at = $8
		WHERE id = $9`,
		e.Name, e.Domain, e.Path, e.Method,
		e.Code, e.Compiled, e.Enabled, e.UpdatedAt,
		e.ID,
	)
	if isUniqueViolation(err) {
		return sdk.NewConflictError(
			fmt.Sprintf("route %s %s %s is already taken", e.Domain, e.Method, e.Path))
	}
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sdk.NewNotFoundError(fmt.Sprintf("endpoint %q not found", e.ID))
	}
	return nil
}

// DeleteEndpoint removes an endpoint.
func (s *PgStore) DeleteEndpoint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sdk.NewNotFoundError(fmt.Sprintf("endpoint %q not found", id))
	}
	return nil
}

// ListProviders returns all provider descriptors ordered by name.
func (s *PgStore) ListProviders(ctx context.Context) ([]*model.ProviderDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind, subtype, config, enabled, created_at, updated_at
		FROM providers
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var result []*model.ProviderDescriptor
	for rows.Next() {
		d, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// GetProvider retrieves a provider descriptor by id.
func (s *PgStore) GetProvider(ctx context.Context, id string) (*model.ProviderDescriptor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, kind, subtype, config, enabled, created_at, updated_at
		FROM providers
		WHERE id = $1`,
		id,
	)
	d, err := scanProvider(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", id))
	}
	return d, err
}

// GetProviderByName retrieves a provider descriptor by its unique name.
func (s *PgStore) GetProviderByName(ctx context.Context, name string) (*model.ProviderDescriptor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, kind, subtype, config, enabled, created_at, updated_at
		FROM providers
		WHERE name = $1`,
		name,
	)
	d, err := scanProvider(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", name))
	}
	return d, err
}

// CreateProvider inserts a new provider descriptor.
func (s *PgStore) CreateProvider(ctx context.Context, d *model.ProviderDescriptor) error {
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO providers (
			id, name, kind, subtype, config, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.Name, d.Kind, d.Subtype, configJSON, d.Enabled, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return sdk.NewConflictError(fmt.Sprintf("provider name %q is already taken", d.Name))
	}
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

// UpdateProvider persists changes to an existing provider descriptor.
func (s *PgStore) UpdateProvider(ctx context.Context, d *model.ProviderDescriptor) error {
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	d.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE providers SET
			name = $1, kind = $2, subtype = $3, config = $4, enabled = $5,
			updated_at = $6
		WHERE id = $7`,
		d.Name, d.Kind, d.Subtype, configJSON, d.Enabled, d.UpdatedAt, d.ID,
	)
	if isUniqueViolation(err) {
		return sdk.NewConflictError(fmt.Sprintf("provider name %q is already taken", d.Name))
	}
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", d.ID))
	}
	return nil
}

// DeleteProvider removes a provider descriptor.
func (s *PgStore) DeleteProvider(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sdk.NewNotFoundError(fmt.Sprintf("provider %q not found", id))
	}
	return nil
}

func scanProvider(scan func(...any) error) (*model.ProviderDescriptor, error) {
	var d model.ProviderDescriptor
	var configJSON []byte
	if err := scan(
		&d.ID, &d.Name, &d.Kind, &d.Subtype, &configJSON, &d.Enabled,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &d.Config); err != nil {
			return nil, fmt.Errorf("unmarshal provider config: %w", err)
		}
	}
	return &d, nil
}
