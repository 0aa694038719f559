package domain

import (
	"fmt"
	"strings"
	"time"
)

// App is a tenant's hosted application: the routing and authorization scope.
type App struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Hosts   []string        `json:"hosts"` // "shop.example.com", lowercased, no port
	CORS    *CORSConfig     `json:"cors,omitempty"`
	Network NetworkACL      `json:"network"`
	Runtime RuntimeSettings `json:"runtime"`

	// ActiveDeploymentID points at the ApiDeployment currently served.
	// Empty until the first deployment is published.
	ActiveDeploymentID string `json:"active_deployment_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NetworkACL holds the app's CIDR allow and deny lists.
// An empty allow list means every address not denied is allowed.
type NetworkACL struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// RuntimeSettings bounds function execution for every route of the app.
// Zero values fall back to the gateway configuration.
type RuntimeSettings struct {
	TimeoutMs     int `json:"timeout_ms,omitempty"`
	MaxFetchCalls int `json:"max_fetch_calls,omitempty"`
}

// CORSConfig defines CORS settings for an app
type CORSConfig struct {
	AllowOrigins     []string `json:"allow_origins"` // e.g. ["https://example.com"] or ["*"]
	AllowMethods     []string `json:"allow_methods,omitempty"`
	AllowHeaders     []string `json:"allow_headers,omitempty"` // e.g. ["Content-Type", "Authorization"]
	ExposeHeaders    []string `json:"expose_headers,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty"`
	MaxAge           int      `json:"max_age,omitempty"` // preflight cache duration in seconds
}

// NormalizeHost lowercases a host and strips any port.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		// Make sure it's not an IPv6 address
		if !strings.Contains(host, "]") || idx > strings.Index(host, "]") {
			host = host[:idx]
		}
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Validate checks the fields the gateway relies on.
func (a *App) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("app id is required")
	}
	if len(a.Hosts) == 0 {
		return fmt.Errorf("app %s: at least one host is required", a.ID)
	}
	for i, h := range a.Hosts {
		if NormalizeHost(h) == "" {
			return fmt.Errorf("app %s: host %d is empty", a.ID, i)
		}
	}
	if a.Runtime.TimeoutMs < 0 || a.Runtime.MaxFetchCalls < 0 {
		return fmt.Errorf("app %s: runtime limits must not be negative", a.ID)
	}
	return nil
}
