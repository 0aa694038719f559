package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/orbit/internal/domain"
)

// SaveApp creates or replaces an app and its host bindings.
func (s *PostgresStore) SaveApp(ctx context.Context, app *domain.App) error {
	if err := app.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now

	data, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal app: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO apps (id, name, active_deployment_id, data, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active_deployment_id = EXCLUDED.active_deployment_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, app.ID, app.Name, app.ActiveDeploymentID, data, app.CreatedAt, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save app: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM app_hosts WHERE app_id = $1`, app.ID); err != nil {
		return fmt.Errorf("clear app hosts: %w", err)
	}
	for _, h := range app.Hosts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO app_hosts (host, app_id) VALUES ($1, $2)
			ON CONFLICT (host) DO UPDATE SET app_id = EXCLUDED.app_id
		`, domain.NormalizeHost(h), app.ID); err != nil {
			return fmt.Errorf("bind host %s: %w", h, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit app: %w", err)
	}
	return nil
}

// GetApp retrieves an app by id.
func (s *PostgresStore) GetApp(ctx context.Context, id string) (*domain.App, error) {
	row := s.pool.QueryRow(ctx, `SELECT data, COALESCE(active_deployment_id, '') FROM apps WHERE id = $1`, id)
	app, err := scanApp(row)
	if err != nil {
		return nil, fmt.Errorf("get app %s: %w", id, err)
	}
	return app, nil
}

// GetAppByHost resolves the app bound to a normalized host.
func (s *PostgresStore) GetAppByHost(ctx context.Context, host string) (*domain.App, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT a.data, COALESCE(a.active_deployment_id, '')
		FROM app_hosts h JOIN apps a ON a.id = h.app_id
		WHERE h.host = $1
	`, domain.NormalizeHost(host))
	app, err := scanApp(row)
	if err != nil {
		return nil, fmt.Errorf("get app by host %s: %w", host, err)
	}
	return app, nil
}

func scanApp(row pgx.Row) (*domain.App, error) {
	var data []byte
	var active string
	if err := row.Scan(&data, &active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var app domain.App
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("unmarshal app: %w", err)
	}
	// The column is authoritative: SetActiveDeployment only touches it.
	app.ActiveDeploymentID = active
	return &app, nil
}

// SetActiveDeployment moves an app's active deployment pointer. This is the
// only mutation the gateway observes on a live app.
func (s *PostgresStore) SetActiveDeployment(ctx context.Context, appID, deploymentID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE apps SET active_deployment_id = $2, updated_at = NOW() WHERE id = $1
	`, appID, deploymentID)
	if err != nil {
		return fmt.Errorf("set active deployment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set active deployment for app %s: %w", appID, ErrNotFound)
	}
	return nil
}

// SaveRoutingConfig replaces an app's routing config.
func (s *PostgresStore) SaveRoutingConfig(ctx context.Context, appID string, cfg *domain.RoutingConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO routing_configs (app_id, schema_version, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (app_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			data = EXCLUDED.data,
			updated_at = NOW()
	`, appID, cfg.SchemaVersion, data)
	if err != nil {
		return fmt.Errorf("save routing config: %w", err)
	}
	return nil
}

// GetRoutingConfig returns the app's routing config.
func (s *PostgresStore) GetRoutingConfig(ctx context.Context, appID string) (*domain.RoutingConfig, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM routing_configs WHERE app_id = $1`, appID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("routing config for app %s: %w", appID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get routing config: %w", err)
	}
	return domain.ParseRoutingConfig(data)
}

// SaveAuthScheme creates or replaces an authentication scheme.
func (s *PostgresStore) SaveAuthScheme(ctx context.Context, scheme *domain.AuthenticationScheme) error {
	if err := scheme.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(scheme)
	if err != nil {
		return fmt.Errorf("marshal auth scheme: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_schemes (id, app_id, kind, active, priority, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			active = EXCLUDED.active,
			priority = EXCLUDED.priority,
			data = EXCLUDED.data
	`, scheme.ID, scheme.AppID, string(scheme.Kind), scheme.Active, scheme.Priority, data)
	if err != nil {
		return fmt.Errorf("save auth scheme: %w", err)
	}
	return nil
}

// ListAuthSchemes returns every scheme of an app, active or not, in creation order.
func (s *PostgresStore) ListAuthSchemes(ctx context.Context, appID string) ([]*domain.AuthenticationScheme, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM auth_schemes WHERE app_id = $1 ORDER BY created_at, id
	`, appID)
	if err != nil {
		return nil, fmt.Errorf("list auth schemes: %w", err)
	}
	defer rows.Close()

	var schemes []*domain.AuthenticationScheme
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan auth scheme: %w", err)
		}
		var scheme domain.AuthenticationScheme
		if err := json.Unmarshal(data, &scheme); err != nil {
			return nil, fmt.Errorf("unmarshal auth scheme: %w", err)
		}
		schemes = append(schemes, &scheme)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list auth schemes rows: %w", err)
	}
	return schemes, nil
}
