package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/orbit/internal/cache"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/routing"
	"github.com/oriys/orbit/internal/store"
)

// ErrDeploymentAppMismatch is returned when activating another app's snapshot.
var ErrDeploymentAppMismatch = errors.New("deployment: belongs to another app")

// Repository is the persistence a Publisher needs.
type Repository interface {
	GetApp(ctx context.Context, id string) (*domain.App, error)
	GetRoutingConfig(ctx context.Context, appID string) (*domain.RoutingConfig, error)
	GetDraftMetadata(ctx context.Context, appID string) (map[string]domain.ApiRouteMetadata, error)
	SaveDeployment(ctx context.Context, dep *domain.ApiDeployment) error
	GetDeployment(ctx context.Context, id string) (*domain.ApiDeployment, error)
	SetActiveDeployment(ctx context.Context, appID, deploymentID string) error
}

// Publisher snapshots apps and switches their active deployment.
type Publisher struct {
	repo Repository
	bus  cache.Bus
	now  func() time.Time
}

// NewPublisher creates a publisher. bus may be nil when no gateway caches
// need to hear about changes.
func NewPublisher(repo Repository, bus cache.Bus) *Publisher {
	return &Publisher{repo: repo, bus: bus, now: time.Now}
}

// Publish snapshots the app's current routing config and draft metadata into
// a new deployment and makes it active.
func (p *Publisher) Publish(ctx context.Context, appID, buildID, artifactsKeyPrefix string) (*domain.ApiDeployment, error) {
	app, err := p.repo.GetApp(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", appID, err)
	}

	cfg, err := p.repo.GetRoutingConfig(ctx, appID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = &domain.RoutingConfig{SchemaVersion: "1"}
	} else if err != nil {
		return nil, fmt.Errorf("publish %s: %w", appID, err)
	}
	cfg = cfg.Clone()
	routing.AssignIDs(appID, cfg)

	drafts, err := p.repo.GetDraftMetadata(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", appID, err)
	}

	dep := Snapshot(Source{
		AppID:              appID,
		Routing:            cfg,
		Drafts:             drafts,
		BuildID:            buildID,
		ArtifactsKeyPrefix: artifactsKeyPrefix,
	}, p.now())
	if err := p.repo.SaveDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("publish %s: %w", appID, err)
	}
	if err := p.activate(ctx, app, dep.ID); err != nil {
		return nil, err
	}

	logging.Op().Info("deployment published",
		"app_id", appID, "deployment_id", dep.ID, "build_id", buildID, "routes", len(dep.RouteMetadata))
	return dep, nil
}

// ActivateDeployment points the app at an existing snapshot. Used for rollback.
func (p *Publisher) ActivateDeployment(ctx context.Context, appID, deploymentID string) error {
	dep, err := p.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("activate %s: %w", deploymentID, err)
	}
	if dep.AppID != appID {
		return fmt.Errorf("activate %s for app %s: %w", deploymentID, appID, ErrDeploymentAppMismatch)
	}
	app, err := p.repo.GetApp(ctx, appID)
	if err != nil {
		return fmt.Errorf("activate %s: %w", deploymentID, err)
	}
	if err := p.activate(ctx, app, deploymentID); err != nil {
		return err
	}
	logging.Op().Info("deployment activated", "app_id", appID, "deployment_id", deploymentID)
	return nil
}

func (p *Publisher) activate(ctx context.Context, app *domain.App, deploymentID string) error {
	if err := p.repo.SetActiveDeployment(ctx, app.ID, deploymentID); err != nil {
		return fmt.Errorf("activate %s: %w", deploymentID, err)
	}
	if p.bus == nil {
		return nil
	}
	msg := cache.Invalidation{
		Kind:         cache.InvalidateDeployment,
		AppID:        app.ID,
		Hosts:        app.Hosts,
		DeploymentID: deploymentID,
	}
	if err := p.bus.Publish(ctx, msg); err != nil {
		// The pointer is already durable; replicas pick it up on their next reload.
		logging.Op().Warn("deployment invalidation not delivered",
			"app_id", app.ID, "deployment_id", deploymentID, "error", err)
	}
	return nil
}

// HandleBuildEvent reacts to a build status change. Done events publish a
// new deployment; Started and Failed are only recorded.
func (p *Publisher) HandleBuildEvent(ctx context.Context, ev domain.BuildEvent) error {
	log := logging.Op().With("build_id", ev.BuildID, "app_id", ev.AppID, "status", ev.Status)

	switch ev.Status {
	case domain.BuildStarted:
		log.Info("build started")
		metrics.RecordBuildEvent(string(ev.Status), "ignored")
		return nil
	case domain.BuildFailed:
		log.Warn("build failed")
		metrics.RecordBuildEvent(string(ev.Status), "ignored")
		return nil
	case domain.BuildDone:
	default:
		metrics.RecordBuildEvent(string(ev.Status), "rejected")
		return fmt.Errorf("build %s: unknown status %q", ev.BuildID, ev.Status)
	}

	if ev.AppID == "" {
		metrics.RecordBuildEvent(string(ev.Status), "rejected")
		return fmt.Errorf("build %s: done event has no app id", ev.BuildID)
	}
	prefix, _ := ev.Metadata.ArtifactsKeyPrefix()
	if prefix == "" {
		if id, ok := ev.Metadata.ArtifactID(); ok {
			prefix = id
		}
	}

	dep, err := p.Publish(ctx, ev.AppID, ev.BuildID, prefix)
	if err != nil {
		metrics.RecordBuildEvent(string(ev.Status), "failed")
		return err
	}
	metrics.RecordBuildEvent(string(ev.Status), "published")
	log.Info("build deployed", "deployment_id", dep.ID)
	return nil
}
