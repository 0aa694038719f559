// Package routing matches inbound requests against an app's route table.
package routing

import (
	"maps"
	"regexp"
	"strings"

	"github.com/oriys/orbit/internal/domain"
)

// Result is the outcome of a match. The zero value is NoMatch.
type Result struct {
	Route  *domain.Route
	Params map[string]string

	// ForwardPath is the path handed to the target after StripPrefix and
	// Rewrite have been applied.
	ForwardPath string
}

// NoMatch is returned when no route accepts the request.
var NoMatch = Result{}

// Matched reports whether a route was selected.
func (r Result) Matched() bool { return r.Route != nil }

// RouteID returns the matched route's id, or nil for NoMatch.
func (r Result) RouteID() *string {
	if r.Route == nil {
		return nil
	}
	id := r.Route.ID
	return &id
}

// Fallback returns the path to serve when the downstream origin reports 404.
func (r Result) Fallback() string {
	if r.Route == nil {
		return ""
	}
	return r.Route.Target.Fallback
}

func (r Result) clone() Result {
	if r.Params != nil {
		r.Params = maps.Clone(r.Params)
	}
	return r
}

// compiledRoute is a validated route with its precomputed ranking keys.
type compiledRoute struct {
	route domain.Route
	index int
	re    *regexp.Regexp
	names []string
}

// match tests path against the route and builds the forwarded path.
func (c *compiledRoute) match(path string) (Result, bool) {
	mp := c.route.Match.Path
	switch c.route.Match.Type {
	case domain.MatchExact:
		if path != mp {
			return NoMatch, false
		}
		fwd := path
		if c.route.Target.Rewrite != "" {
			fwd = c.route.Target.Rewrite
		}
		return Result{Route: &c.route, ForwardPath: fwd}, true

	case domain.MatchPrefix:
		if !hasPathPrefix(path, mp) {
			return NoMatch, false
		}
		fwd := path
		if c.route.Target.StripPrefix {
			fwd = ensureLeadingSlash(path[len(mp):])
		}
		if rw := c.route.Target.Rewrite; rw != "" {
			fwd = joinRewrite(rw, fwd)
		}
		return Result{Route: &c.route, ForwardPath: fwd}, true

	case domain.MatchRegex:
		sub := c.re.FindStringSubmatchIndex(path)
		if sub == nil {
			return NoMatch, false
		}
		var params map[string]string
		for i, name := range c.names {
			if name == "" || sub[2*i] < 0 {
				continue
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[name] = path[sub[2*i]:sub[2*i+1]]
		}
		fwd := path
		if rw := c.route.Target.Rewrite; rw != "" {
			fwd = string(c.re.ExpandString(nil, rw, path, sub))
		}
		return Result{Route: &c.route, Params: params, ForwardPath: fwd}, true
	}
	return NoMatch, false
}

// hasPathPrefix matches whole segments: "/api" accepts "/api" and "/api/x"
// but not "/apix". A prefix ending in "/" is a plain string prefix.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" || strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func joinRewrite(rewrite, rest string) string {
	if rest == "/" {
		return rewrite
	}
	return strings.TrimSuffix(rewrite, "/") + rest
}

func ensureLeadingSlash(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// NormalizePath makes sure the request path starts with "/".
func NormalizePath(p string) string {
	return ensureLeadingSlash(p)
}

// Match selects the first-ranked route in routes accepting method and path.
// It compiles routes on every call; use a Table for the request path.
func Match(method, path string, routes []domain.Route) (Result, error) {
	tbl, err := Compile("", &domain.RoutingConfig{SchemaVersion: "1", Routes: routes}, Options{})
	if err != nil {
		return NoMatch, err
	}
	return tbl.Match(method, path), nil
}
