package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/routing"
)

// Seed is a YAML description of apps to load into a store at startup.
//
//	apps:
//	  - app: {id: shop, hosts: [shop.localhost]}
//	    routing: {schemaVersion: "1", routes: [...]}
//	    auth_schemes: [...]
//	    route_metadata:
//	      users: {require_authorization: true, function_runtime: {...}}
//
// route_metadata is keyed by route name or id. Domain documents use the same
// field names as their JSON form.
type Seed struct {
	Apps []SeedApp `yaml:"apps"`
}

// SeedApp is one app with its routing, schemes and draft metadata.
type SeedApp struct {
	App           map[string]any            `yaml:"app"`
	Routing       map[string]any            `yaml:"routing"`
	AuthSchemes   []map[string]any          `yaml:"auth_schemes"`
	RouteMetadata map[string]map[string]any `yaml:"route_metadata"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &seed, nil
}

// SeedTarget is the write surface Apply needs.
type SeedTarget interface {
	AppWriter
	SaveDraftMetadata(ctx context.Context, appID, routeID string, meta domain.ApiRouteMetadata) error
}

// Apply writes every seeded app and returns their ids in file order.
func (s *Seed) Apply(ctx context.Context, dst SeedTarget) ([]string, error) {
	var ids []string
	for i, sa := range s.Apps {
		var app domain.App
		if err := reencode(sa.App, &app); err != nil {
			return nil, fmt.Errorf("seed app %d: %w", i, err)
		}
		if err := dst.SaveApp(ctx, &app); err != nil {
			return nil, fmt.Errorf("seed app %s: %w", app.ID, err)
		}

		cfg := &domain.RoutingConfig{SchemaVersion: "1"}
		if sa.Routing != nil {
			if err := reencode(sa.Routing, cfg); err != nil {
				return nil, fmt.Errorf("seed routing for %s: %w", app.ID, err)
			}
		}
		if err := routing.Validate(app.ID, cfg); err != nil {
			return nil, fmt.Errorf("seed routing for %s: %w", app.ID, err)
		}
		routing.AssignIDs(app.ID, cfg)
		if err := dst.SaveRoutingConfig(ctx, app.ID, cfg); err != nil {
			return nil, err
		}

		for j, raw := range sa.AuthSchemes {
			var scheme domain.AuthenticationScheme
			if err := reencode(raw, &scheme); err != nil {
				return nil, fmt.Errorf("seed auth scheme %d for %s: %w", j, app.ID, err)
			}
			if scheme.AppID == "" {
				scheme.AppID = app.ID
			}
			if err := dst.SaveAuthScheme(ctx, &scheme); err != nil {
				return nil, fmt.Errorf("seed auth scheme %s: %w", scheme.ID, err)
			}
		}

		for ref, raw := range sa.RouteMetadata {
			routeID, ok := resolveRouteRef(cfg, ref)
			if !ok {
				return nil, fmt.Errorf("seed metadata for %s: unknown route %q", app.ID, ref)
			}
			var meta domain.ApiRouteMetadata
			if err := reencode(raw, &meta); err != nil {
				return nil, fmt.Errorf("seed metadata for route %q: %w", ref, err)
			}
			if err := dst.SaveDraftMetadata(ctx, app.ID, routeID, meta); err != nil {
				return nil, err
			}
		}
		ids = append(ids, app.ID)
	}
	return ids, nil
}

func resolveRouteRef(cfg *domain.RoutingConfig, ref string) (string, bool) {
	for _, r := range cfg.Routes {
		if r.ID == ref || (r.Name != "" && r.Name == ref) {
			return r.ID, true
		}
	}
	return "", false
}

// reencode converts a YAML-decoded document into a JSON-tagged domain type.
func reencode(src any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
