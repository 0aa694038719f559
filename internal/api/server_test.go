package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/deployment"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/store"
)

func seedLogs(t *testing.T, s *store.MemoryStore) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	checkout := "route-checkout"
	var logs []*domain.AccessLog
	for i := 0; i < 5; i++ {
		l := &domain.AccessLog{
			ID:         fmt.Sprintf("log-%d", i),
			AppID:      "shop",
			Method:     "GET",
			Path:       fmt.Sprintf("/p/%d", i),
			StatusCode: 200,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if i%2 == 0 {
			l.RouteID = &checkout
		}
		logs = append(logs, l)
	}
	logs = append(logs, &domain.AccessLog{ID: "other", AppID: "blog", Method: "GET", Path: "/", StatusCode: 200, CreatedAt: base})
	if err := s.InsertAccessLogs(context.Background(), logs); err != nil {
		t.Fatal(err)
	}
}

type listResponse struct {
	Items      []domain.AccessLog `json:"items"`
	Pagination paginationMetadata `json:"pagination"`
}

func getJSON(t *testing.T, h http.Handler, method, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestListAccessLogs(t *testing.T) {
	s := store.NewMemoryStore()
	seedLogs(t, s)
	h := NewHandler(ServerConfig{AccessLogs: s})

	var page listResponse
	if code := getJSON(t, h, "GET", "/v1/apps/shop/access-logs?limit=2", &page); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "log-4" || page.Items[1].ID != "log-3" {
		t.Fatalf("expected newest first, got %+v", page.Items)
	}
	if page.Pagination.Total != 5 || !page.Pagination.HasMore || page.Pagination.NextOffset == nil || *page.Pagination.NextOffset != 2 {
		t.Fatalf("pagination = %+v", page.Pagination)
	}

	page = listResponse{}
	getJSON(t, h, "GET", "/v1/apps/shop/access-logs?route_id=route-checkout&offset=1", &page)
	if len(page.Items) != 2 || page.Items[0].ID != "log-2" || page.Items[1].ID != "log-0" {
		t.Fatalf("route filter = %+v", page.Items)
	}
	if page.Pagination.HasMore {
		t.Fatalf("last page reports more: %+v", page.Pagination)
	}

	page = listResponse{}
	getJSON(t, h, "GET", "/v1/apps/nobody/access-logs", &page)
	if page.Items == nil || len(page.Items) != 0 {
		t.Fatalf("expected empty list, got %+v", page.Items)
	}
}

func TestParseLimitQuery(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 50},
		{"10", 10},
		{"-1", 50},
		{"abc", 50},
		{"100000", 500},
	}
	for _, tt := range tests {
		if got := parseLimitQuery(tt.raw, defaultPageLimit, maxPageLimit); got != tt.want {
			t.Errorf("parseLimitQuery(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	down := errors.New("connection refused")
	h := NewHandler(ServerConfig{Checks: []Check{
		{Name: "store", Ping: func(context.Context) error { return nil }},
		{Name: "redis", Ping: func(context.Context) error { return down }},
	}})

	var health struct {
		Status     string          `json:"status"`
		Components map[string]bool `json:"components"`
	}
	if code := getJSON(t, h, "GET", "/health", &health); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if health.Status != "degraded" || !health.Components["store"] || health.Components["redis"] {
		t.Fatalf("health = %+v", health)
	}

	var ready map[string]string
	if code := getJSON(t, h, "GET", "/health/ready", &ready); code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", code)
	}
	if ready["status"] != "not_ready" {
		t.Fatalf("ready = %v", ready)
	}

	if code := getJSON(t, h, "GET", "/health/live", nil); code != http.StatusOK {
		t.Fatalf("live status = %d", code)
	}
}

func TestHealthReady_AllChecksPass(t *testing.T) {
	h := NewHandler(ServerConfig{Checks: []Check{{Name: "store", Ping: func(context.Context) error { return nil }}}})
	if code := getJSON(t, h, "GET", "/health/ready", nil); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}

func TestMetricsRoute(t *testing.T) {
	if code := getJSON(t, NewHandler(ServerConfig{}), "GET", "/metrics", nil); code != http.StatusNotFound {
		t.Fatalf("metrics should be off when disabled, got %d", code)
	}
}

func TestDeploymentsAndRollback(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.SaveApp(ctx, &domain.App{ID: "shop", Hosts: []string{"shop.example.com"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveApp(ctx, &domain.App{ID: "blog", Hosts: []string{"blog.example.com"}}); err != nil {
		t.Fatal(err)
	}
	pub := deployment.NewPublisher(s, nil)
	first, err := pub.Publish(ctx, "shop", "b1", "builds/b1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pub.Publish(ctx, "shop", "b2", "builds/b2"); err != nil {
		t.Fatal(err)
	}
	blogDep, err := pub.Publish(ctx, "blog", "b3", "")
	if err != nil {
		t.Fatal(err)
	}

	h := NewHandler(ServerConfig{Deployments: s, Activator: pub})

	var list struct {
		Items []struct {
			ID      string `json:"id"`
			BuildID string `json:"build_id"`
		} `json:"items"`
	}
	if code := getJSON(t, h, "GET", "/v1/apps/shop/deployments", &list); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(list.Items) != 2 || list.Items[0].BuildID != "b2" {
		t.Fatalf("deployments = %+v", list.Items)
	}

	if code := getJSON(t, h, "POST", "/v1/apps/shop/deployments/"+first.ID+"/activate", nil); code != http.StatusOK {
		t.Fatalf("rollback status = %d", code)
	}
	app, err := s.GetApp(ctx, "shop")
	if err != nil {
		t.Fatal(err)
	}
	if app.ActiveDeploymentID != first.ID {
		t.Fatalf("active = %s, want %s", app.ActiveDeploymentID, first.ID)
	}

	if code := getJSON(t, h, "POST", "/v1/apps/shop/deployments/missing/activate", nil); code != http.StatusNotFound {
		t.Fatalf("missing deployment status = %d", code)
	}
	if code := getJSON(t, h, "POST", "/v1/apps/shop/deployments/"+blogDep.ID+"/activate", nil); code != http.StatusConflict {
		t.Fatalf("cross-app activation status = %d", code)
	}
}
