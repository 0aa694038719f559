// Package deployment creates immutable ApiDeployment snapshots and moves an
// app's active deployment pointer between them.
package deployment

import (
	"time"

	"github.com/google/uuid"

	"github.com/oriys/orbit/internal/domain"
)

// Source describes what a snapshot captures.
type Source struct {
	AppID              string
	Routing            *domain.RoutingConfig
	Drafts             map[string]domain.ApiRouteMetadata // route id -> draft
	BuildID            string
	ArtifactsKeyPrefix string
}

// Snapshot builds a new deployment with a fresh id. Every route in the
// routing config gets an entry; routes without a draft get zero metadata.
// Drafts for routes no longer in the config are dropped. All metadata is
// deep-copied so the snapshot shares nothing with its source.
func Snapshot(src Source, now time.Time) *domain.ApiDeployment {
	dep := &domain.ApiDeployment{
		ID:                 uuid.NewString(),
		AppID:              src.AppID,
		CreatedAt:          now.UTC(),
		BuildID:            src.BuildID,
		ArtifactsKeyPrefix: src.ArtifactsKeyPrefix,
		RouteMetadata:      make(map[string]domain.ApiRouteMetadata),
	}
	if src.Routing == nil {
		return dep
	}
	for _, r := range src.Routing.Routes {
		if r.ID == "" {
			continue
		}
		dep.RouteMetadata[r.ID] = src.Drafts[r.ID].Clone()
	}
	return dep
}
