package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

func route(name string, mt domain.MatchType, path string, prio int) domain.Route {
	return domain.Route{
		Name:     name,
		Priority: prio,
		Match:    domain.RouteMatch{Type: mt, Path: path},
		Target:   domain.RouteTarget{Type: domain.TargetAPI},
	}
}

func compile(t *testing.T, routes ...domain.Route) *Table {
	t.Helper()
	tbl, err := Compile("app-1", &domain.RoutingConfig{SchemaVersion: "1", Routes: routes}, Options{CacheSize: 16, CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return tbl
}

func TestMatch_ExactMatchesOnlyThatPath(t *testing.T) {
	tbl := compile(t,
		route("users", domain.MatchExact, "/users", 0),
		route("user-list", domain.MatchExact, "/users/list", 0),
	)

	res := tbl.Match("GET", "/users")
	if !res.Matched() || res.Route.Name != "users" {
		t.Fatalf("expected users route, got %+v", res.Route)
	}
	if res.ForwardPath != "/users" {
		t.Fatalf("forward path = %q", res.ForwardPath)
	}
	if tbl.Match("GET", "/users/").Matched() {
		t.Fatal("exact route must not match trailing slash")
	}
	if tbl.Match("GET", "/users/1").Matched() {
		t.Fatal("exact route must not match a longer path")
	}
}

func TestMatch_PathNormalizedWithLeadingSlash(t *testing.T) {
	tbl := compile(t, route("users", domain.MatchExact, "/users", 0))
	if !tbl.Match("GET", "users").Matched() {
		t.Fatal("expected path without leading slash to be normalized")
	}
}

func TestMatch_PrefixStrip(t *testing.T) {
	r := route("api", domain.MatchPrefix, "/api", 0)
	r.Target.StripPrefix = true
	tbl := compile(t, r)

	tests := []struct {
		path string
		want string
	}{
		{"/api/users/1", "/users/1"},
		{"/api", "/"},
		{"/api/", "/"},
	}
	for _, tt := range tests {
		res := tbl.Match("GET", tt.path)
		if !res.Matched() {
			t.Fatalf("%s: expected match", tt.path)
		}
		if res.ForwardPath != tt.want {
			t.Errorf("%s: forward path = %q, want %q", tt.path, res.ForwardPath, tt.want)
		}
	}
	if tbl.Match("GET", "/apix").Matched() {
		t.Fatal("prefix must match whole segments")
	}
}

func TestMatch_PrefixWithoutStripKeepsPath(t *testing.T) {
	tbl := compile(t, route("api", domain.MatchPrefix, "/api", 0))
	res := tbl.Match("GET", "/api/users")
	if res.ForwardPath != "/api/users" {
		t.Fatalf("forward path = %q", res.ForwardPath)
	}
}

func TestMatch_RewriteAppliesToStrippedPath(t *testing.T) {
	r := route("api", domain.MatchPrefix, "/api", 0)
	r.Target.StripPrefix = true
	r.Target.Rewrite = "/v2"
	tbl := compile(t, r)

	if got := tbl.Match("GET", "/api/users/1").ForwardPath; got != "/v2/users/1" {
		t.Fatalf("forward path = %q, want /v2/users/1", got)
	}
	if got := tbl.Match("GET", "/api").ForwardPath; got != "/v2" {
		t.Fatalf("forward path = %q, want /v2", got)
	}
}

func TestMatch_ExactRewriteReplacesPath(t *testing.T) {
	r := route("home", domain.MatchExact, "/", 0)
	r.Target.Rewrite = "/index.html"
	tbl := compile(t, r)
	if got := tbl.Match("GET", "/").ForwardPath; got != "/index.html" {
		t.Fatalf("forward path = %q", got)
	}
}

func TestMatch_RegexNamedCaptures(t *testing.T) {
	tbl := compile(t, route("item", domain.MatchRegex, `^/items/(?<id>\d+)$`, 0))

	res := tbl.Match("GET", "/items/42")
	if !res.Matched() {
		t.Fatal("expected /items/42 to match")
	}
	if len(res.Params) != 1 || res.Params["id"] != "42" {
		t.Fatalf("params = %v, want {id: 42}", res.Params)
	}
	if tbl.Match("GET", "/items/abc").Matched() {
		t.Fatal("/items/abc must not match")
	}
}

func TestMatch_RegexIsAnchoredAndIgnoresUnnamedGroups(t *testing.T) {
	tbl := compile(t, route("item", domain.MatchRegex, `/items/(\d+)/(?P<part>[a-z]+)`, 0))

	res := tbl.Match("GET", "/items/7/photos")
	if !res.Matched() {
		t.Fatal("expected match")
	}
	if len(res.Params) != 1 || res.Params["part"] != "photos" {
		t.Fatalf("params = %v", res.Params)
	}
	if tbl.Match("GET", "/v1/items/7/photos").Matched() {
		t.Fatal("regex must be anchored at the start")
	}
}

func TestMatch_RegexRewriteExpandsCaptures(t *testing.T) {
	r := route("item", domain.MatchRegex, `/items/(?<id>\d+)`, 0)
	r.Target.Rewrite = "/catalog/${id}.json"
	tbl := compile(t, r)
	if got := tbl.Match("GET", "/items/9").ForwardPath; got != "/catalog/9.json" {
		t.Fatalf("forward path = %q", got)
	}
}

func TestMatch_PriorityWinsRegardlessOfDeclarationOrder(t *testing.T) {
	low := route("low", domain.MatchPrefix, "/", 1)
	high := route("high", domain.MatchRegex, `/.*`, 0)

	for _, order := range [][]domain.Route{{low, high}, {high, low}} {
		tbl := compile(t, order...)
		if got := tbl.Match("GET", "/anything").Route.Name; got != "high" {
			t.Fatalf("expected high priority route, got %s", got)
		}
	}
}

func TestMatch_SpecificityTieBreak(t *testing.T) {
	tbl := compile(t,
		route("regex", domain.MatchRegex, `/docs/.*`, 0),
		route("short-prefix", domain.MatchPrefix, "/docs", 0),
		route("long-prefix", domain.MatchPrefix, "/docs/guide", 0),
		route("exact", domain.MatchExact, "/docs/guide/intro", 0),
	)

	tests := []struct {
		path string
		want string
	}{
		{"/docs/guide/intro", "exact"},
		{"/docs/guide/setup", "long-prefix"},
		{"/docs/api", "short-prefix"},
	}
	for _, tt := range tests {
		if got := tbl.Match("GET", tt.path).Route.Name; got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestMatch_DeclarationOrderIsFinalTieBreak(t *testing.T) {
	a := route("first", domain.MatchRegex, `/x/.*`, 0)
	b := route("second", domain.MatchRegex, `/x/[a-z]+`, 0)
	tbl := compile(t, a, b)
	if got := tbl.Match("GET", "/x/abc").Route.Name; got != "first" {
		t.Fatalf("got %s, want first", got)
	}
}

func TestMatch_MethodFilter(t *testing.T) {
	post := route("create", domain.MatchExact, "/users", 0)
	post.Method = "post"
	tbl := compile(t, post)

	if tbl.Match("GET", "/users").Matched() {
		t.Fatal("GET must not match a POST route")
	}
	if !tbl.Match("POST", "/users").Matched() {
		t.Fatal("method comparison must be case-insensitive")
	}
}

func TestMatch_EmptyTable(t *testing.T) {
	tbl := compile(t)
	if res := tbl.Match("GET", "/"); res.Matched() || res.RouteID() != nil {
		t.Fatalf("expected NoMatch, got %+v", res)
	}
}

func TestMatch_FallbackReturnedOnMatch(t *testing.T) {
	r := route("site", domain.MatchPrefix, "/", 0)
	r.Target.Type = domain.TargetStatic
	r.Target.Fallback = "/index.html"
	tbl := compile(t, r)
	if got := tbl.Match("GET", "/missing.png").Fallback(); got != "/index.html" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestMatch_CachedParamsAreNotShared(t *testing.T) {
	tbl := compile(t, route("item", domain.MatchRegex, `/items/(?<id>\d+)`, 0))

	first := tbl.Match("GET", "/items/1")
	first.Params["id"] = "mutated"

	second := tbl.Match("GET", "/items/1")
	if second.Params["id"] != "1" {
		t.Fatalf("cached params leaked a caller mutation: %v", second.Params)
	}
}

func TestCompile_AssignsDeterministicIDs(t *testing.T) {
	cfg := &domain.RoutingConfig{SchemaVersion: "1", Routes: []domain.Route{route("a", domain.MatchExact, "/a", 0)}}
	t1, err := Compile("app-1", cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	t2, err := Compile("app-1", cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	other, err := Compile("app-2", cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}

	id := t1.Routes()[0].ID
	if id == "" || id != t2.Routes()[0].ID {
		t.Fatalf("ids not deterministic: %q vs %q", id, t2.Routes()[0].ID)
	}
	if id == other.Routes()[0].ID {
		t.Fatal("ids must be scoped to the app")
	}
	if cfg.Routes[0].ID != "" {
		t.Fatal("Compile must not mutate the caller's config")
	}
}

func TestCompile_RejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name   string
		routes []domain.Route
		schema string
	}{
		{"missing schema version", nil, ""},
		{"duplicate route", []domain.Route{route("a", domain.MatchExact, "/a", 0), route("b", domain.MatchExact, "/a", 1)}, "1"},
		{"any-method route shares path", []domain.Route{withMethod(route("a", domain.MatchExact, "/a", 0), "POST"), route("b", domain.MatchExact, "/a", 1)}, "1"},
		{"same method twice", []domain.Route{withMethod(route("a", domain.MatchPrefix, "/a", 0), "get"), withMethod(route("b", domain.MatchPrefix, "/a", 1), "GET")}, "1"},
		{"bad regex", []domain.Route{route("a", domain.MatchRegex, "/(", 0)}, "1"},
		{"relative prefix", []domain.Route{route("a", domain.MatchPrefix, "api", 0)}, "1"},
		{"unknown match type", []domain.Route{route("a", "Glob", "/a", 0)}, "1"},
		{"relative fallback", []domain.Route{func() domain.Route {
			r := route("a", domain.MatchPrefix, "/", 0)
			r.Target.Fallback = "index.html"
			return r
		}()}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("app-1", &domain.RoutingConfig{SchemaVersion: tt.schema, Routes: tt.routes}, Options{})
			if !errors.Is(err, ErrInvalidRoutingConfig) {
				t.Fatalf("expected ErrInvalidRoutingConfig, got %v", err)
			}
		})
	}
}

func withMethod(r domain.Route, method string) domain.Route {
	r.Method = method
	return r
}

func TestCompile_DistinctMethodsMayShareMatch(t *testing.T) {
	cfg := &domain.RoutingConfig{SchemaVersion: "1", Routes: []domain.Route{
		withMethod(route("list", domain.MatchExact, "/orders", 0), "GET"),
		withMethod(route("create", domain.MatchExact, "/orders", 0), "POST"),
	}}
	tbl, err := Compile("app-1", cfg, Options{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res := tbl.Match("POST", "/orders"); !res.Matched() || res.Route.Name != "create" {
		t.Fatalf("POST matched %+v", res.Route)
	}
	if res := tbl.Match("DELETE", "/orders"); res.Matched() {
		t.Fatalf("DELETE should not match, got %s", res.Route.Name)
	}
}

func TestPackageMatch(t *testing.T) {
	res, err := Match("GET", "/items/5", []domain.Route{route("item", domain.MatchRegex, `/items/(?<id>\d+)`, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Params["id"] != "5" {
		t.Fatalf("params = %v", res.Params)
	}
}
