package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

// MemoryStore implements Store in process memory. Records are held in their
// JSON form, as in PostgresStore, so callers never share mutable state with it.
type MemoryStore struct {
	mu          sync.RWMutex
	apps        map[string][]byte // id -> app json
	active      map[string]string // app id -> active deployment id
	hosts       map[string]string // host -> app id
	routing     map[string][]byte // app id -> routing config json
	schemes     map[string][]byte // scheme id -> json
	schemeOrder []string
	drafts      map[string]map[string][]byte // app id -> route id -> metadata json
	deployments map[string][]byte
	depOrder    []string
	accessLogs  []domain.AccessLog
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:        make(map[string][]byte),
		active:      make(map[string]string),
		hosts:       make(map[string]string),
		routing:     make(map[string][]byte),
		schemes:     make(map[string][]byte),
		drafts:      make(map[string]map[string][]byte),
		deployments: make(map[string][]byte),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) SaveApp(_ context.Context, app *domain.App) error {
	if err := app.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now
	data, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal app: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for h, id := range m.hosts {
		if id == app.ID {
			delete(m.hosts, h)
		}
	}
	for _, h := range app.Hosts {
		m.hosts[domain.NormalizeHost(h)] = app.ID
	}
	m.apps[app.ID] = data
	m.active[app.ID] = app.ActiveDeploymentID
	return nil
}

func (m *MemoryStore) GetApp(_ context.Context, id string) (*domain.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decodeAppLocked(id)
}

func (m *MemoryStore) GetAppByHost(_ context.Context, host string) (*domain.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.hosts[domain.NormalizeHost(host)]
	if !ok {
		return nil, fmt.Errorf("get app by host %s: %w", host, ErrNotFound)
	}
	return m.decodeAppLocked(id)
}

func (m *MemoryStore) decodeAppLocked(id string) (*domain.App, error) {
	data, ok := m.apps[id]
	if !ok {
		return nil, fmt.Errorf("get app %s: %w", id, ErrNotFound)
	}
	var app domain.App
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("unmarshal app: %w", err)
	}
	app.ActiveDeploymentID = m.active[id]
	return &app, nil
}

func (m *MemoryStore) SetActiveDeployment(_ context.Context, appID, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[appID]; !ok {
		return fmt.Errorf("set active deployment for app %s: %w", appID, ErrNotFound)
	}
	m.active[appID] = deploymentID
	return nil
}

func (m *MemoryStore) SaveRoutingConfig(_ context.Context, appID string, cfg *domain.RoutingConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}
	m.mu.Lock()
	m.routing[appID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRoutingConfig(_ context.Context, appID string) (*domain.RoutingConfig, error) {
	m.mu.RLock()
	data, ok := m.routing[appID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("routing config for app %s: %w", appID, ErrNotFound)
	}
	return domain.ParseRoutingConfig(data)
}

func (m *MemoryStore) SaveAuthScheme(_ context.Context, scheme *domain.AuthenticationScheme) error {
	if err := scheme.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(scheme)
	if err != nil {
		return fmt.Errorf("marshal auth scheme: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schemes[scheme.ID]; !exists {
		m.schemeOrder = append(m.schemeOrder, scheme.ID)
	}
	m.schemes[scheme.ID] = data
	return nil
}

func (m *MemoryStore) ListAuthSchemes(_ context.Context, appID string) ([]*domain.AuthenticationScheme, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuthenticationScheme
	for _, id := range m.schemeOrder {
		var s domain.AuthenticationScheme
		if err := json.Unmarshal(m.schemes[id], &s); err != nil {
			return nil, fmt.Errorf("unmarshal auth scheme: %w", err)
		}
		if s.AppID == appID {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveDeployment(_ context.Context, dep *domain.ApiDeployment) error {
	if dep.ID == "" || dep.AppID == "" {
		return fmt.Errorf("deployment id and app id are required")
	}
	data, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deployments[dep.ID]; exists {
		return fmt.Errorf("deployment %s: %w", dep.ID, ErrAlreadyExists)
	}
	m.deployments[dep.ID] = data
	m.depOrder = append(m.depOrder, dep.ID)
	return nil
}

func (m *MemoryStore) GetDeployment(_ context.Context, id string) (*domain.ApiDeployment, error) {
	m.mu.RLock()
	data, ok := m.deployments[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	var dep domain.ApiDeployment
	if err := json.Unmarshal(data, &dep); err != nil {
		return nil, fmt.Errorf("unmarshal deployment: %w", err)
	}
	return &dep, nil
}

func (m *MemoryStore) ListDeployments(ctx context.Context, appID string, limit, offset int) ([]*domain.ApiDeployment, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	ids := append([]string(nil), m.depOrder...)
	m.mu.RUnlock()

	var deps []*domain.ApiDeployment
	for i := len(ids) - 1; i >= 0; i-- {
		dep, err := m.GetDeployment(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if dep.AppID == appID {
			deps = append(deps, dep)
		}
	}
	return page(deps, limit, offset), nil
}

func (m *MemoryStore) SaveDraftMetadata(_ context.Context, appID, routeID string, meta domain.ApiRouteMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal route metadata: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drafts[appID] == nil {
		m.drafts[appID] = make(map[string][]byte)
	}
	m.drafts[appID][routeID] = data
	return nil
}

func (m *MemoryStore) GetDraftMetadata(_ context.Context, appID string) (map[string]domain.ApiRouteMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.ApiRouteMetadata, len(m.drafts[appID]))
	for routeID, data := range m.drafts[appID] {
		var meta domain.ApiRouteMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal route metadata draft: %w", err)
		}
		out[routeID] = meta
	}
	return out, nil
}

func (m *MemoryStore) InsertAccessLogs(_ context.Context, logs []*domain.AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logs {
		if l.ID == "" {
			return fmt.Errorf("access log id is required")
		}
		entry := *l
		if l.RouteID != nil {
			id := *l.RouteID
			entry.RouteID = &id
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		m.accessLogs = append(m.accessLogs, entry)
	}
	return nil
}

func (m *MemoryStore) matchingLogs(q domain.AccessLogQuery) []*domain.AccessLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AccessLog
	for i := len(m.accessLogs) - 1; i >= 0; i-- {
		l := m.accessLogs[i]
		if l.AppID != q.AppID {
			continue
		}
		if q.RouteID != "" && (l.RouteID == nil || *l.RouteID != q.RouteID) {
			continue
		}
		out = append(out, &l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListAccessLogs(_ context.Context, q domain.AccessLogQuery) ([]*domain.AccessLog, error) {
	limit, offset := normalizePage(q.Limit, q.Offset)
	return page(m.matchingLogs(q), limit, offset), nil
}

func (m *MemoryStore) CountAccessLogs(_ context.Context, q domain.AccessLogQuery) (int64, error) {
	return int64(len(m.matchingLogs(q))), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
