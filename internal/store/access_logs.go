package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/orbit/internal/domain"
)

// InsertAccessLogs appends access log entries in a single batch round trip.
func (s *PostgresStore) InsertAccessLogs(ctx context.Context, logs []*domain.AccessLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range logs {
		if l.ID == "" {
			return fmt.Errorf("access log id is required")
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO access_logs (id, app_id, route_id, method, path, status_code, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, l.ID, l.AppID, l.RouteID, l.Method, l.Path, l.StatusCode, l.DurationMs, l.CreatedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range logs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert access logs: %w", err)
		}
	}
	return nil
}

// ListAccessLogs returns an app's access log, newest first.
func (s *PostgresStore) ListAccessLogs(ctx context.Context, q domain.AccessLogQuery) ([]*domain.AccessLog, error) {
	limit, offset := normalizePage(q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, `
		SELECT id, app_id, route_id, method, path, status_code, duration_ms, created_at
		FROM access_logs
		WHERE app_id = $1 AND ($2 = '' OR route_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, q.AppID, q.RouteID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list access logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.AccessLog
	for rows.Next() {
		var l domain.AccessLog
		if err := rows.Scan(&l.ID, &l.AppID, &l.RouteID, &l.Method, &l.Path, &l.StatusCode, &l.DurationMs, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan access log: %w", err)
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list access logs rows: %w", err)
	}
	return logs, nil
}

// CountAccessLogs counts entries matching q, ignoring paging.
func (s *PostgresStore) CountAccessLogs(ctx context.Context, q domain.AccessLogQuery) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM access_logs WHERE app_id = $1 AND ($2 = '' OR route_id = $2)
	`, q.AppID, q.RouteID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count access logs: %w", err)
	}
	return n, nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
