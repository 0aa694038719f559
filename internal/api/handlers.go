package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/oriys/orbit/internal/deployment"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/store"
)

// ListAccessLogs handles GET /v1/apps/{appId}/access-logs, newest first.
func (h *Handler) ListAccessLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := domain.AccessLogQuery{
		AppID:   r.PathValue("appId"),
		RouteID: q.Get("route_id"),
		Limit:   parseLimitQuery(q.Get("limit"), defaultPageLimit, maxPageLimit),
		Offset:  parseLimitQuery(q.Get("offset"), 0, 0),
	}

	entries, err := h.cfg.AccessLogs.ListAccessLogs(r.Context(), query)
	if err != nil {
		logging.Op().Error("list access logs failed", "app_id", query.AppID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list access logs")
		return
	}
	if entries == nil {
		entries = []*domain.AccessLog{}
	}

	total, err := h.cfg.AccessLogs.CountAccessLogs(r.Context(), query)
	if err != nil {
		total = -1
	}
	writePaginatedList(w, query.Limit, query.Offset, len(entries), total, entries)
}

// ListDeployments handles GET /v1/apps/{appId}/deployments, newest first.
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	limit := parseLimitQuery(r.URL.Query().Get("limit"), defaultPageLimit, maxPageLimit)
	offset := parseLimitQuery(r.URL.Query().Get("offset"), 0, 0)

	deps, err := h.cfg.Deployments.ListDeployments(r.Context(), appID, limit, offset)
	if err != nil {
		logging.Op().Error("list deployments failed", "app_id", appID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}

	type summary struct {
		ID                 string `json:"id"`
		BuildID            string `json:"build_id,omitempty"`
		ArtifactsKeyPrefix string `json:"artifacts_key_prefix,omitempty"`
		CreatedAt          string `json:"created_at"`
		Routes             int    `json:"routes"`
	}
	items := make([]summary, 0, len(deps))
	for _, d := range deps {
		items = append(items, summary{
			ID:                 d.ID,
			BuildID:            d.BuildID,
			ArtifactsKeyPrefix: d.ArtifactsKeyPrefix,
			CreatedAt:          d.CreatedAt.UTC().Format(time.RFC3339Nano),
			Routes:             len(d.RouteMetadata),
		})
	}
	writePaginatedList(w, limit, offset, len(items), -1, items)
}

// ActivateDeployment handles POST /v1/apps/{appId}/deployments/{deploymentId}/activate.
func (h *Handler) ActivateDeployment(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	deploymentID := r.PathValue("deploymentId")

	err := h.cfg.Activator.ActivateDeployment(r.Context(), appID, deploymentID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"app_id": appID, "active_deployment_id": deploymentID})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, deployment.ErrDeploymentAppMismatch):
		writeError(w, http.StatusConflict, "deployment belongs to another app")
	default:
		logging.Op().Error("activate deployment failed", "app_id", appID, "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to activate deployment")
	}
}
