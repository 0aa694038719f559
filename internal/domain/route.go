package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MatchType selects how a route's path is compared with the request path.
type MatchType string

const (
	MatchPrefix MatchType = "Prefix"
	MatchExact  MatchType = "Exact"
	MatchRegex  MatchType = "Regex"
)

// Valid reports whether t is one of the known match kinds.
func (t MatchType) Valid() bool {
	switch t {
	case MatchPrefix, MatchExact, MatchRegex:
		return true
	}
	return false
}

// Specificity ranks match kinds for tie-breaking: lower is more specific.
func (t MatchType) Specificity() int {
	switch t {
	case MatchExact:
		return 0
	case MatchPrefix:
		return 1
	default:
		return 2
	}
}

// TargetType is the closed set of route destinations.
type TargetType string

const (
	TargetAPI    TargetType = "Api"
	TargetStatic TargetType = "Static"
)

// Valid reports whether t is one of the known target kinds.
func (t TargetType) Valid() bool {
	return t == TargetAPI || t == TargetStatic
}

// RouteMatch describes what a route matches.
type RouteMatch struct {
	Type MatchType `json:"type"`
	Path string    `json:"path"`
}

// RouteTarget describes where a matched request goes.
type RouteTarget struct {
	Type        TargetType `json:"type"`
	StripPrefix bool       `json:"stripPrefix,omitempty"`
	Rewrite     string     `json:"rewrite,omitempty"`
	Fallback    string     `json:"fallback,omitempty"`
}

// Route belongs to exactly one App.
type Route struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name,omitempty"`
	Method   string      `json:"method,omitempty"` // empty = any method
	Priority int         `json:"priority,omitempty"`
	Match    RouteMatch  `json:"match"`
	Target   RouteTarget `json:"target"`
}

// AllowsMethod reports whether the route accepts the HTTP method.
func (r *Route) AllowsMethod(method string) bool {
	return r.Method == "" || strings.EqualFold(r.Method, method)
}

// Key identifies a route within its app for duplicate detection.
func (r *Route) Key() string {
	return string(r.Match.Type) + " " + strings.ToUpper(r.Method) + " " + r.Match.Path
}

// Label returns the route's name, falling back to its match description.
func (r *Route) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s %s", r.Match.Type, r.Match.Path)
}

// RoutingConfig is the declarative, app-scoped route table.
// Replacing it supersedes the previous table entirely.
type RoutingConfig struct {
	SchemaVersion string  `json:"schemaVersion"`
	Routes        []Route `json:"routes"`
}

// ParseRoutingConfig decodes the JSON form of a routing config.
// Structural validation is done by the routing package when the table is compiled.
func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	var cfg RoutingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode routing config: %w", err)
	}
	return &cfg, nil
}

// Clone returns a deep copy of the config.
func (c *RoutingConfig) Clone() *RoutingConfig {
	if c == nil {
		return nil
	}
	out := &RoutingConfig{SchemaVersion: c.SchemaVersion}
	if c.Routes != nil {
		out.Routes = make([]Route, len(c.Routes))
		copy(out.Routes, c.Routes)
	}
	return out
}
