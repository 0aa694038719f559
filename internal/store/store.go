// Package store persists apps, routing configs, authentication schemes,
// deployment snapshots and access logs. PostgresStore is the production
// backend; MemoryStore serves tests and single-node development.
package store

import (
	"context"
	"errors"

	"github.com/oriys/orbit/internal/domain"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when an insert-only record is written twice.
	ErrAlreadyExists = errors.New("store: already exists")
)

// AppReader is what the gateway reads to resolve a tenant.
type AppReader interface {
	GetApp(ctx context.Context, id string) (*domain.App, error)
	GetAppByHost(ctx context.Context, host string) (*domain.App, error)
	GetRoutingConfig(ctx context.Context, appID string) (*domain.RoutingConfig, error)
	ListAuthSchemes(ctx context.Context, appID string) ([]*domain.AuthenticationScheme, error)
}

// AppWriter is the configuration collaborator's write surface.
type AppWriter interface {
	SaveApp(ctx context.Context, app *domain.App) error
	SaveRoutingConfig(ctx context.Context, appID string, cfg *domain.RoutingConfig) error
	SaveAuthScheme(ctx context.Context, scheme *domain.AuthenticationScheme) error
	SetActiveDeployment(ctx context.Context, appID, deploymentID string) error
}

// DeploymentRepository stores immutable deployment snapshots and the
// mutable draft metadata they are taken from.
type DeploymentRepository interface {
	// SaveDeployment inserts a snapshot. Existing ids are never overwritten;
	// a second insert with the same id returns ErrAlreadyExists.
	SaveDeployment(ctx context.Context, dep *domain.ApiDeployment) error
	GetDeployment(ctx context.Context, id string) (*domain.ApiDeployment, error)
	ListDeployments(ctx context.Context, appID string, limit, offset int) ([]*domain.ApiDeployment, error)

	SaveDraftMetadata(ctx context.Context, appID, routeID string, meta domain.ApiRouteMetadata) error
	GetDraftMetadata(ctx context.Context, appID string) (map[string]domain.ApiRouteMetadata, error)
}

// AccessLogRepository is the append-only access log.
type AccessLogRepository interface {
	InsertAccessLogs(ctx context.Context, logs []*domain.AccessLog) error
	ListAccessLogs(ctx context.Context, q domain.AccessLogQuery) ([]*domain.AccessLog, error)
	CountAccessLogs(ctx context.Context, q domain.AccessLogQuery) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	AppReader
	AppWriter
	DeploymentRepository
	AccessLogRepository

	Ping(ctx context.Context) error
	Close() error
}
