package routing

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/metrics"
)

// ErrInvalidRoutingConfig wraps every validation failure found while compiling.
var ErrInvalidRoutingConfig = errors.New("invalid routing config")

// Options bounds the per-table match cache. A zero CacheSize disables it.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Table is a compiled, ranked, immutable route set for one app.
// Replacing an app's RoutingConfig means compiling a new Table; the old
// table and its cached matches are dropped together.
type Table struct {
	appID  string
	routes []*compiledRoute // in ranking order
	cache  *expirable.LRU[string, Result]
}

// routeNamespace seeds deterministic route ids.
var routeNamespace = uuid.MustParse("6f1c1f0e-8d43-5b8e-9a51-0e7b3c2a4d10")

// RouteID derives a stable id for a route that has none, so that route
// metadata keyed by id survives a config replacement with the same route.
func RouteID(appID string, r *domain.Route) string {
	ns := uuid.NewSHA1(routeNamespace, []byte(appID))
	return uuid.NewSHA1(ns, []byte(r.Key())).String()
}

// AssignIDs fills in missing route ids in place.
func AssignIDs(appID string, cfg *domain.RoutingConfig) {
	for i := range cfg.Routes {
		if cfg.Routes[i].ID == "" {
			cfg.Routes[i].ID = RouteID(appID, &cfg.Routes[i])
		}
	}
}

// conflicts reports whether two routes with the same match pair would
// both accept some method.
func conflicts(a, b *domain.Route) bool {
	return a.Method == "" || b.Method == "" || strings.EqualFold(a.Method, b.Method)
}

// Validate checks a routing config without keeping the compiled result.
func Validate(appID string, cfg *domain.RoutingConfig) error {
	_, err := Compile(appID, cfg, Options{})
	return err
}

// Compile validates cfg and builds a ranked table. cfg is copied.
//
// Within one config a (match type, match path) pair identifies a route. Two
// routes may share a pair only when both carry a method filter and the
// methods differ; a route without a method filter claims the pair alone.
func Compile(appID string, cfg *domain.RoutingConfig, opts Options) (*Table, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidRoutingConfig)
	}
	if strings.TrimSpace(cfg.SchemaVersion) == "" {
		return nil, fmt.Errorf("%w: schemaVersion is required", ErrInvalidRoutingConfig)
	}

	own := cfg.Clone()
	AssignIDs(appID, own)

	seen := make(map[string][]int, len(own.Routes))
	ids := make(map[string]int, len(own.Routes))
	compiled := make([]*compiledRoute, 0, len(own.Routes))
	for i, r := range own.Routes {
		cr, err := compileRoute(i, r)
		if err != nil {
			return nil, err
		}
		pair := string(r.Match.Type) + " " + r.Match.Path
		for _, prev := range seen[pair] {
			if conflicts(&own.Routes[prev], &r) {
				return nil, fmt.Errorf("%w: route %d duplicates route %d (%s)", ErrInvalidRoutingConfig, i, prev, pair)
			}
		}
		seen[pair] = append(seen[pair], i)
		if prev, dup := ids[r.ID]; dup {
			return nil, fmt.Errorf("%w: route %d reuses id %s of route %d", ErrInvalidRoutingConfig, i, r.ID, prev)
		}
		ids[r.ID] = i
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(a, b int) bool {
		return outranks(compiled[a], compiled[b])
	})

	t := &Table{appID: appID, routes: compiled}
	if opts.CacheSize > 0 {
		t.cache = expirable.NewLRU[string, Result](opts.CacheSize, nil, opts.CacheTTL)
	}
	return t, nil
}

func compileRoute(i int, r domain.Route) (*compiledRoute, error) {
	if !r.Match.Type.Valid() {
		return nil, fmt.Errorf("%w: route %d: unknown match type %q", ErrInvalidRoutingConfig, i, r.Match.Type)
	}
	if !r.Target.Type.Valid() {
		return nil, fmt.Errorf("%w: route %d: unknown target type %q", ErrInvalidRoutingConfig, i, r.Target.Type)
	}
	if r.Match.Path == "" {
		return nil, fmt.Errorf("%w: route %d: match path is required", ErrInvalidRoutingConfig, i)
	}
	for _, p := range []string{r.Target.Rewrite, r.Target.Fallback} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: route %d: %q must be an absolute path", ErrInvalidRoutingConfig, i, p)
		}
	}

	cr := &compiledRoute{route: r, index: i}
	switch r.Match.Type {
	case domain.MatchExact, domain.MatchPrefix:
		if !strings.HasPrefix(r.Match.Path, "/") {
			return nil, fmt.Errorf("%w: route %d: match path %q must start with /", ErrInvalidRoutingConfig, i, r.Match.Path)
		}
	case domain.MatchRegex:
		re, err := regexp.Compile(anchor(r.Match.Path))
		if err != nil {
			return nil, fmt.Errorf("%w: route %d: %v", ErrInvalidRoutingConfig, i, err)
		}
		cr.re = re
		cr.names = re.SubexpNames()
	}
	return cr, nil
}

// anchor forces a full-path match.
func anchor(pattern string) string {
	return "^(?:" + pattern + ")$"
}

// outranks orders by priority, then specificity (Exact, longest Prefix,
// Regex), then declaration order.
func outranks(a, b *compiledRoute) bool {
	if a.route.Priority != b.route.Priority {
		return a.route.Priority < b.route.Priority
	}
	sa, sb := a.route.Match.Type.Specificity(), b.route.Match.Type.Specificity()
	if sa != sb {
		return sa < sb
	}
	if a.route.Match.Type == domain.MatchPrefix {
		la, lb := len(a.route.Match.Path), len(b.route.Match.Path)
		if la != lb {
			return la > lb
		}
	}
	return a.index < b.index
}

// Match returns the first-ranked route accepting method and path, or NoMatch.
// The returned Params map is owned by the caller.
func (t *Table) Match(method, path string) Result {
	path = NormalizePath(path)
	method = strings.ToUpper(method)

	var key string
	if t.cache != nil {
		key = method + " " + path
		if res, ok := t.cache.Get(key); ok {
			metrics.RecordCacheLookup("route", true)
			return res.clone()
		}
		metrics.RecordCacheLookup("route", false)
	}

	res := NoMatch
	for _, cr := range t.routes {
		if !cr.route.AllowsMethod(method) {
			continue
		}
		if r, ok := cr.match(path); ok {
			res = r
			break
		}
	}

	if t.cache != nil {
		t.cache.Add(key, res)
	}
	return res.clone()
}

// Routes returns the routes in ranking order.
func (t *Table) Routes() []domain.Route {
	out := make([]domain.Route, len(t.routes))
	for i, cr := range t.routes {
		out[i] = cr.route
	}
	return out
}

// Route looks up a route by id.
func (t *Table) Route(id string) (*domain.Route, bool) {
	for _, cr := range t.routes {
		if cr.route.ID == id {
			return &cr.route, true
		}
	}
	return nil, false
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }

// AppID returns the app the table was compiled for.
func (t *Table) AppID() string { return t.appID }
