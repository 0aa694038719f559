package domain

import (
	"encoding/json"
	"time"
)

// ApiDeployment is an immutable snapshot of an app's route metadata.
// A new deployment always gets a new ID; existing ones are never rewritten.
type ApiDeployment struct {
	ID                 string                      `json:"id"`
	AppID              string                      `json:"app_id"`
	CreatedAt          time.Time                   `json:"created_at"`
	BuildID            string                      `json:"build_id,omitempty"`
	ArtifactsKeyPrefix string                      `json:"artifacts_key_prefix,omitempty"`
	RouteMetadata      map[string]ApiRouteMetadata `json:"route_metadata"`
}

// ApiRouteMetadata is the per-route, per-deployment response and invocation contract.
type ApiRouteMetadata struct {
	ResponseStatusCode   *int             `json:"response_status_code,omitempty"`
	ResponseHeaders      []Header         `json:"response_headers,omitempty"`
	RequestSchemas       RequestSchemas   `json:"request_schemas"`
	RequireAuthorization bool             `json:"require_authorization"`
	FunctionRuntime      *FunctionRuntime `json:"function_runtime,omitempty"`
}

// Header is a single response header entry. Order is preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestSchemas holds optional JSON Schemas for each request part.
type RequestSchemas struct {
	Query  json.RawMessage `json:"query,omitempty"`
	Header json.RawMessage `json:"header,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Empty reports whether no schema is configured.
func (s RequestSchemas) Empty() bool {
	return len(s.Query) == 0 && len(s.Header) == 0 && len(s.Body) == 0
}

// FunctionRuntime describes the tenant handler bound to an Api route.
type FunctionRuntime struct {
	Language      string `json:"language"`                  // "javascript"
	Source        string `json:"source,omitempty"`          // inline handler source
	Entrypoint    string `json:"entrypoint,omitempty"`      // global function name, default "handler"
	TimeoutMs     int    `json:"timeout_ms,omitempty"`      // overrides app and gateway defaults
	MaxFetchCalls int    `json:"max_fetch_calls,omitempty"` // overrides app and gateway defaults
}

// DefaultEntrypoint is the global function a handler script must define.
const DefaultEntrypoint = "handler"

// EntrypointName returns the configured entrypoint or the default.
func (f *FunctionRuntime) EntrypointName() string {
	if f == nil || f.Entrypoint == "" {
		return DefaultEntrypoint
	}
	return f.Entrypoint
}

// StatusOr returns the configured response status or def.
func (m *ApiRouteMetadata) StatusOr(def int) int {
	if m == nil || m.ResponseStatusCode == nil {
		return def
	}
	return *m.ResponseStatusCode
}

// Clone returns a deep copy so snapshots never share mutable state.
func (m ApiRouteMetadata) Clone() ApiRouteMetadata {
	out := m
	if m.ResponseStatusCode != nil {
		code := *m.ResponseStatusCode
		out.ResponseStatusCode = &code
	}
	if m.ResponseHeaders != nil {
		out.ResponseHeaders = append([]Header(nil), m.ResponseHeaders...)
	}
	out.RequestSchemas = RequestSchemas{
		Query:  cloneRaw(m.RequestSchemas.Query),
		Header: cloneRaw(m.RequestSchemas.Header),
		Body:   cloneRaw(m.RequestSchemas.Body),
	}
	if m.FunctionRuntime != nil {
		fr := *m.FunctionRuntime
		out.FunctionRuntime = &fr
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
