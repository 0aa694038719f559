package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/orbit/internal/domain"
)

// SaveDeployment inserts a deployment snapshot. Snapshots are immutable, so
// there is no update path.
func (s *PostgresStore) SaveDeployment(ctx context.Context, dep *domain.ApiDeployment) error {
	if dep.ID == "" || dep.AppID == "" {
		return fmt.Errorf("deployment id and app id are required")
	}
	data, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO api_deployments (id, app_id, build_id, data, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, dep.ID, dep.AppID, dep.BuildID, data, dep.CreatedAt)
	if err != nil {
		return fmt.Errorf("save deployment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("deployment %s: %w", dep.ID, ErrAlreadyExists)
	}
	return nil
}

// GetDeployment retrieves a deployment snapshot by id.
func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (*domain.ApiDeployment, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM api_deployments WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	var dep domain.ApiDeployment
	if err := json.Unmarshal(data, &dep); err != nil {
		return nil, fmt.Errorf("unmarshal deployment: %w", err)
	}
	return &dep, nil
}

// ListDeployments returns an app's deployments, newest first.
func (s *PostgresStore) ListDeployments(ctx context.Context, appID string, limit, offset int) ([]*domain.ApiDeployment, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM api_deployments WHERE app_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3
	`, appID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deps []*domain.ApiDeployment
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		var dep domain.ApiDeployment
		if err := json.Unmarshal(data, &dep); err != nil {
			return nil, fmt.Errorf("unmarshal deployment: %w", err)
		}
		deps = append(deps, &dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments rows: %w", err)
	}
	return deps, nil
}

// SaveDraftMetadata records the route metadata the next snapshot will capture.
func (s *PostgresStore) SaveDraftMetadata(ctx context.Context, appID, routeID string, meta domain.ApiRouteMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal route metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO route_metadata_drafts (app_id, route_id, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (app_id, route_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, appID, routeID, data)
	if err != nil {
		return fmt.Errorf("save route metadata draft: %w", err)
	}
	return nil
}

// GetDraftMetadata returns the draft metadata of every route of an app.
func (s *PostgresStore) GetDraftMetadata(ctx context.Context, appID string) (map[string]domain.ApiRouteMetadata, error) {
	rows, err := s.pool.Query(ctx, `SELECT route_id, data FROM route_metadata_drafts WHERE app_id = $1`, appID)
	if err != nil {
		return nil, fmt.Errorf("get route metadata drafts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.ApiRouteMetadata)
	for rows.Next() {
		var routeID string
		var data []byte
		if err := rows.Scan(&routeID, &data); err != nil {
			return nil, fmt.Errorf("scan route metadata draft: %w", err)
		}
		var meta domain.ApiRouteMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal route metadata draft: %w", err)
		}
		out[routeID] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("route metadata drafts rows: %w", err)
	}
	return out, nil
}
