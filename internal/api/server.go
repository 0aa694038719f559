// Package api serves the operations surface next to the gateway: health
// probes, Prometheus metrics, access log queries and deployment rollback.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/observability"
)

// AccessLogReader is the read side of the access log.
type AccessLogReader interface {
	ListAccessLogs(ctx context.Context, q domain.AccessLogQuery) ([]*domain.AccessLog, error)
	CountAccessLogs(ctx context.Context, q domain.AccessLogQuery) (int64, error)
}

// DeploymentReader lists an app's snapshots.
type DeploymentReader interface {
	ListDeployments(ctx context.Context, appID string, limit, offset int) ([]*domain.ApiDeployment, error)
}

// Activator switches an app to an existing snapshot.
type Activator interface {
	ActivateDeployment(ctx context.Context, appID, deploymentID string) error
}

// Check is one readiness dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// ServerConfig contains dependencies for the ops server.
type ServerConfig struct {
	AccessLogs  AccessLogReader
	Deployments DeploymentReader
	Activator   Activator
	Checks      []Check
	Metrics     bool
}

// Handler serves the ops routes.
type Handler struct {
	cfg     ServerConfig
	started time.Time
}

// NewHandler builds the ops route table.
func NewHandler(cfg ServerConfig) http.Handler {
	h := &Handler{cfg: cfg, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)
	if cfg.Metrics {
		mux.Handle("GET /metrics", metrics.PrometheusHandler())
	}
	if cfg.AccessLogs != nil {
		mux.HandleFunc("GET /v1/apps/{appId}/access-logs", h.ListAccessLogs)
	}
	if cfg.Deployments != nil {
		mux.HandleFunc("GET /v1/apps/{appId}/deployments", h.ListDeployments)
	}
	if cfg.Activator != nil {
		mux.HandleFunc("POST /v1/apps/{appId}/deployments/{deploymentId}/activate", h.ActivateDeployment)
	}

	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer creates and starts the ops server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("ops server error", "error", err)
		}
	}()

	return server
}
