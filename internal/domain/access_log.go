package domain

import "time"

// AccessLog records the outcome of one dispatched request. Append-only.
// RouteID is nil when no route matched (or matching never ran).
type AccessLog struct {
	ID         string    `json:"id"`
	AppID      string    `json:"app_id"`
	RouteID    *string   `json:"route_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	CreatedAt  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// AccessLogQuery filters the access log read surface.
type AccessLogQuery struct {
	AppID   string
	RouteID string // optional
	Limit   int
	Offset  int
}
