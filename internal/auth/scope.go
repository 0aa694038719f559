package auth

import (
	"slices"
	"strings"
)

const scopeWildcard = "*"

// appScope is the set of apps a credential is bound to. An unbound
// credential is valid for the app whose scheme accepted it.
type appScope struct {
	bound bool
	apps  []string
}

// appScopeFromClaims reads "app_id" (string) and "allowed_apps" (array).
// Entries of "*" allow every app.
func appScopeFromClaims(claims map[string]any) appScope {
	if claims == nil {
		return appScope{}
	}
	var apps []string
	if id, ok := claims["app_id"].(string); ok && strings.TrimSpace(id) != "" {
		apps = append(apps, strings.TrimSpace(id))
	}
	apps = append(apps, parseClaimStringArray(claims["allowed_apps"])...)
	if len(apps) == 0 {
		return appScope{}
	}
	slices.Sort(apps)
	return appScope{bound: true, apps: slices.Compact(apps)}
}

func (s appScope) allows(appID string) bool {
	if !s.bound {
		return true
	}
	for _, a := range s.apps {
		if a == scopeWildcard || a == appID {
			return true
		}
	}
	return false
}

func parseClaimStringArray(claim any) []string {
	switch v := claim.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
		return nil
	case []string:
		result := make([]string, 0, len(v))
		for _, item := range v {
			item = strings.TrimSpace(item)
			if item != "" {
				result = append(result, item)
			}
		}
		return result
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					result = append(result, s)
				}
			}
		}
		return result
	default:
		return nil
	}
}
