// Package metadata serves per-route metadata out of immutable deployment
// snapshots. A snapshot never changes once written, so entries are cached
// without expiry and evicted only by capacity.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/store"
)

var (
	// ErrDeploymentNotFound means the deployment id is unknown.
	ErrDeploymentNotFound = errors.New("metadata: deployment not found")
	// ErrRouteMetadataMissing means the deployment exists but holds no entry
	// for the route, e.g. a route added after the snapshot was taken.
	ErrRouteMetadataMissing = errors.New("metadata: route metadata missing")
)

// DefaultCacheSize is the number of deployments kept when no size is given.
const DefaultCacheSize = 1024

// loadTimeout bounds a shared snapshot load; it is detached from the
// cancellation of whichever request started it.
const loadTimeout = 10 * time.Second

// Source loads deployment snapshots.
type Source interface {
	GetDeployment(ctx context.Context, id string) (*domain.ApiDeployment, error)
}

// Store is the RouteMetadataStore. Safe for concurrent use.
type Store struct {
	src   Source
	cache *lru.Cache[string, *domain.ApiDeployment]
	group singleflight.Group
}

// New creates a store holding up to size deployments.
func New(src Source, size int) (*Store, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *domain.ApiDeployment](size)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}
	return &Store{src: src, cache: c}, nil
}

// Deployment returns the snapshot with the given id. The returned value is
// shared and must not be modified.
func (s *Store) Deployment(ctx context.Context, deploymentID string) (*domain.ApiDeployment, error) {
	if deploymentID == "" {
		return nil, ErrDeploymentNotFound
	}
	if dep, ok := s.cache.Get(deploymentID); ok {
		metrics.RecordCacheLookup("route_metadata", true)
		return dep, nil
	}
	metrics.RecordCacheLookup("route_metadata", false)

	ch := s.group.DoChan(deploymentID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		dep, err := s.src.GetDeployment(loadCtx, deploymentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
		}
		if err != nil {
			return nil, fmt.Errorf("load deployment %s: %w", deploymentID, err)
		}
		s.cache.Add(deploymentID, dep)
		return dep, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.ApiDeployment), nil
	}
}

// Get returns a copy of the route's metadata in the deployment.
func (s *Store) Get(ctx context.Context, deploymentID, routeID string) (domain.ApiRouteMetadata, error) {
	dep, err := s.Deployment(ctx, deploymentID)
	if err != nil {
		return domain.ApiRouteMetadata{}, err
	}
	meta, ok := dep.RouteMetadata[routeID]
	if !ok {
		return domain.ApiRouteMetadata{}, fmt.Errorf("%w: deployment %s route %s", ErrRouteMetadataMissing, deploymentID, routeID)
	}
	return meta.Clone(), nil
}

// Len returns the number of cached deployments.
func (s *Store) Len() int { return s.cache.Len() }
