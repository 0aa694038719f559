package deployment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/cache"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/routing"
	"github.com/oriys/orbit/internal/store"
)

func testConfig() *domain.RoutingConfig {
	cfg := &domain.RoutingConfig{SchemaVersion: "1", Routes: []domain.Route{
		{Name: "users", Match: domain.RouteMatch{Type: domain.MatchPrefix, Path: "/users"}, Target: domain.RouteTarget{Type: domain.TargetAPI}},
		{Name: "site", Match: domain.RouteMatch{Type: domain.MatchPrefix, Path: "/"}, Target: domain.RouteTarget{Type: domain.TargetStatic}},
	}}
	routing.AssignIDs("shop", cfg)
	return cfg
}

func TestSnapshot_DistinctAndIndependent(t *testing.T) {
	cfg := testConfig()
	status := 202
	drafts := map[string]domain.ApiRouteMetadata{
		cfg.Routes[0].ID: {ResponseStatusCode: &status, RequireAuthorization: true},
		"stale-route":    {RequireAuthorization: true},
	}
	now := time.Now()

	a := Snapshot(Source{AppID: "shop", Routing: cfg, Drafts: drafts}, now)
	b := Snapshot(Source{AppID: "shop", Routing: cfg, Drafts: drafts}, now)

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("snapshot ids must be distinct: %q %q", a.ID, b.ID)
	}
	if len(a.RouteMetadata) != 2 {
		t.Fatalf("expected one entry per route, got %d", len(a.RouteMetadata))
	}
	if _, ok := a.RouteMetadata["stale-route"]; ok {
		t.Fatal("draft for a removed route was captured")
	}

	*a.RouteMetadata[cfg.Routes[0].ID].ResponseStatusCode = 500
	bMeta := b.RouteMetadata[cfg.Routes[0].ID]
	if got := bMeta.StatusOr(0); got != 202 {
		t.Fatalf("mutating one snapshot changed another: %d", got)
	}
	if status != 202 {
		t.Fatal("mutating a snapshot changed its draft")
	}
}

func newFixture(t *testing.T) (*store.MemoryStore, *cache.LocalBus, *[]cache.Invalidation) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.SaveApp(ctx, &domain.App{ID: "shop", Hosts: []string{"shop.example.com"}}); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	s.SaveRoutingConfig(ctx, "shop", cfg)
	s.SaveDraftMetadata(ctx, "shop", cfg.Routes[0].ID, domain.ApiRouteMetadata{RequireAuthorization: true})

	bus := cache.NewLocalBus()
	var seen []cache.Invalidation
	bus.Subscribe(func(_ context.Context, msg cache.Invalidation) { seen = append(seen, msg) })
	return s, bus, &seen
}

func TestPublish(t *testing.T) {
	s, bus, seen := newFixture(t)
	p := NewPublisher(s, bus)
	ctx := context.Background()

	dep, err := p.Publish(ctx, "shop", "build-1", "artifacts/shop/build-1")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stored, err := s.GetDeployment(ctx, dep.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if stored.ArtifactsKeyPrefix != "artifacts/shop/build-1" || len(stored.RouteMetadata) != 2 {
		t.Fatalf("unexpected stored deployment: %+v", stored)
	}
	app, _ := s.GetApp(ctx, "shop")
	if app.ActiveDeploymentID != dep.ID {
		t.Fatalf("active = %q, want %q", app.ActiveDeploymentID, dep.ID)
	}
	if len(*seen) != 1 || (*seen)[0].Kind != cache.InvalidateDeployment || (*seen)[0].DeploymentID != dep.ID {
		t.Fatalf("unexpected invalidations: %+v", *seen)
	}

	// Later draft edits do not reach the published snapshot.
	cfg, _ := s.GetRoutingConfig(ctx, "shop")
	s.SaveDraftMetadata(ctx, "shop", cfg.Routes[0].ID, domain.ApiRouteMetadata{})
	again, _ := s.GetDeployment(ctx, dep.ID)
	if !again.RouteMetadata[cfg.Routes[0].ID].RequireAuthorization {
		t.Fatal("published snapshot changed after a draft edit")
	}
}

func TestActivateDeployment_Rollback(t *testing.T) {
	s, bus, seen := newFixture(t)
	p := NewPublisher(s, bus)
	ctx := context.Background()

	first, _ := p.Publish(ctx, "shop", "b1", "")
	second, _ := p.Publish(ctx, "shop", "b2", "")
	if first.ID == second.ID {
		t.Fatal("publishes must create distinct deployments")
	}

	if err := p.ActivateDeployment(ctx, "shop", first.ID); err != nil {
		t.Fatalf("ActivateDeployment: %v", err)
	}
	app, _ := s.GetApp(ctx, "shop")
	if app.ActiveDeploymentID != first.ID {
		t.Fatalf("active = %q, want %q", app.ActiveDeploymentID, first.ID)
	}
	if last := (*seen)[len(*seen)-1]; last.DeploymentID != first.ID {
		t.Fatalf("last invalidation = %+v", last)
	}

	if err := p.ActivateDeployment(ctx, "shop", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s.SaveApp(ctx, &domain.App{ID: "other", Hosts: []string{"other.example.com"}})
	if err := p.ActivateDeployment(ctx, "other", first.ID); !errors.Is(err, ErrDeploymentAppMismatch) {
		t.Fatalf("expected ErrDeploymentAppMismatch, got %v", err)
	}
}

func TestHandleBuildEvent(t *testing.T) {
	s, bus, _ := newFixture(t)
	p := NewPublisher(s, bus)
	ctx := context.Background()

	var meta domain.BuildMetadata
	meta.Set(domain.MetaArtifactsKeyPrefix, "artifacts/b9")

	if err := p.HandleBuildEvent(ctx, domain.BuildEvent{BuildID: "b8", AppID: "shop", Status: domain.BuildStarted}); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := p.HandleBuildEvent(ctx, domain.BuildEvent{BuildID: "b8", AppID: "shop", Status: domain.BuildFailed}); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if deps, _ := s.ListDeployments(ctx, "shop", 10, 0); len(deps) != 0 {
		t.Fatalf("non-done events created %d deployments", len(deps))
	}

	if err := p.HandleBuildEvent(ctx, domain.BuildEvent{BuildID: "b9", AppID: "shop", Status: domain.BuildDone, Metadata: meta}); err != nil {
		t.Fatalf("done: %v", err)
	}
	deps, _ := s.ListDeployments(ctx, "shop", 10, 0)
	if len(deps) != 1 || deps[0].BuildID != "b9" || deps[0].ArtifactsKeyPrefix != "artifacts/b9" {
		t.Fatalf("unexpected deployments: %+v", deps)
	}

	if err := p.HandleBuildEvent(ctx, domain.BuildEvent{BuildID: "b10", Status: domain.BuildDone}); err == nil {
		t.Fatal("done event without app id should fail")
	}
}
