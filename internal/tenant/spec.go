// Package tenant resolves a request host to the app's live specification:
// its compiled route table, network guard and auth schemes. Specifications
// are cached per host and invalidated by pushed messages, never polled.
package tenant

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/oriys/orbit/internal/auth"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/networkpolicy"
	"github.com/oriys/orbit/internal/routing"
)

// ErrAppNotFound is returned when no app is bound to a host.
var ErrAppNotFound = errors.New("tenant: app not found")

// record is the cached, serializable source of an AppSpecification.
type record struct {
	App         *domain.App                    `json:"app"`
	Routing     *domain.RoutingConfig          `json:"routing"`
	AuthSchemes []*domain.AuthenticationScheme `json:"auth_schemes"`
}

// AppSpecification is the resolved, read-only tenant context for one app.
// The active deployment id is the only field that changes after
// construction; it is swapped atomically so each request reads it once.
type AppSpecification struct {
	App      *domain.App
	Routes   *routing.Table
	Guard    *networkpolicy.Guard
	Enforcer *auth.Enforcer

	active atomic.Pointer[string]
}

func buildSpecification(rec *record, opts routing.Options) (*AppSpecification, error) {
	if rec.App == nil {
		return nil, fmt.Errorf("app record is empty")
	}
	app := rec.App

	cfg := rec.Routing
	if cfg == nil {
		cfg = &domain.RoutingConfig{SchemaVersion: "1"}
	}
	table, err := routing.Compile(app.ID, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.ID, err)
	}
	guard, err := networkpolicy.NewGuard(app.Network)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.ID, err)
	}
	enforcer, err := auth.NewEnforcer(app.ID, rec.AuthSchemes)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.ID, err)
	}

	spec := &AppSpecification{App: app, Routes: table, Guard: guard, Enforcer: enforcer}
	spec.SetActiveDeployment(app.ActiveDeploymentID)
	return spec, nil
}

// ActiveDeploymentID returns the deployment currently served, or "" when
// nothing has been published. Callers read it once per request.
func (s *AppSpecification) ActiveDeploymentID() string {
	if p := s.active.Load(); p != nil {
		return *p
	}
	return ""
}

// SetActiveDeployment switches the served deployment.
func (s *AppSpecification) SetActiveDeployment(id string) {
	s.active.Store(&id)
}

// AppID returns the app's id.
func (s *AppSpecification) AppID() string { return s.App.ID }
