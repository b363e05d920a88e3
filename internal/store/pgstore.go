package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/portico/model"
)

// Schema creates the table used by PgAPIRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS api_resources (
	tenant_id   TEXT        NOT NULL,
	id          TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	version     TEXT        NOT NULL,
	context     TEXT        NOT NULL DEFAULT '',
	type        TEXT        NOT NULL DEFAULT 'HTTP',
	operations  JSONB       NOT NULL DEFAULT '[]'::jsonb,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
)`

// PgAPIRepository is a PostgreSQL-backed APIRepository using pgx/v5. The
// operations array is stored as JSONB.
type PgAPIRepository struct {
	pool *pgxpool.Pool
}

// NewPgAPIRepository creates a repository on pool.
func NewPgAPIRepository(pool *pgxpool.Pool) *PgAPIRepository {
	return &PgAPIRepository{pool: pool}
}

// Migrate creates the table when it does not exist.
func (s *PgAPIRepository) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create api_resources: %w", err)
	}
	return nil
}

// Put inserts or replaces an API resource for the tenant.
func (s *PgAPIRepository) Put(ctx context.Context, tenantID string, api model.APIResource) error {
	opsJSON, err := marshalOperations(api.Operations)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_resources (tenant_id, id, name, version, context, type, operations, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			context = EXCLUDED.context,
			type = EXCLUDED.type,
			operations = EXCLUDED.operations,
			updated_at = now()`,
		tenantID, api.ID, api.Name, api.Version, api.Context, apiType(api.Type), opsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert api resource: %w", err)
	}
	return nil
}

// GetAPI returns the resource scoped to the tenant in ctx.
func (s *PgAPIRepository) GetAPI(ctx context.Context, apiID string) (model.APIResource, error) {
	var api model.APIResource
	var opsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, name, version, context, type, operations
		FROM api_resources
		WHERE tenant_id = $1 AND id = $2`,
		model.TenantFrom(ctx), apiID,
	).Scan(&api.ID, &api.Name, &api.Version, &api.Context, &api.Type, &opsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.APIResource{}, notFound(apiID)
	}
	if err != nil {
		return model.APIResource{}, fmt.Errorf("query api resource: %w", err)
	}

	if err := json.Unmarshal(opsJSON, &api.Operations); err != nil {
		return model.APIResource{}, fmt.Errorf("unmarshal operations: %w", err)
	}
	return api, nil
}

// UpdateOperations replaces the operations of the resource.
func (s *PgAPIRepository) UpdateOperations(ctx context.Context, apiID string, ops []model.APIOperation) error {
	opsJSON, err := marshalOperations(ops)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_resources
		SET operations = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		model.TenantFrom(ctx), apiID, opsJSON,
	)
	if err != nil {
		return fmt.Errorf("update operations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(apiID)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgAPIRepository) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalOperations(ops []model.APIOperation) ([]byte, error) {
	if ops == nil {
		ops = []model.APIOperation{}
	}
	b, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal operations: %w", err)
	}
	return b, nil
}

func apiType(t string) string {
	if t == "" {
		return model.APITypeHTTP
	}
	return t
}
