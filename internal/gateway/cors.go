package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/oriys/orbit/internal/domain"
)

var defaultCORSMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// handlePreflight answers an OPTIONS preflight for a matched route.
func handlePreflight(w http.ResponseWriter, r *http.Request, cors *domain.CORSConfig) *Fault {
	origin := r.Header.Get("Origin")
	h := w.Header()
	h.Add("Vary", "Origin")
	if !originAllowed(cors.AllowOrigins, origin) {
		return newFault(KindForbidden, "origin is not allowed")
	}

	h.Set("Access-Control-Allow-Origin", allowOriginValue(cors, origin))
	methods := cors.AllowMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	if len(cors.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(cors.AllowHeaders, ", "))
	} else if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	if cors.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if cors.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(cors.MaxAge))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// decorateCORS adds CORS headers to a non-preflight response.
func decorateCORS(w http.ResponseWriter, r *http.Request, cors *domain.CORSConfig) {
	if cors == nil {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(cors.AllowOrigins, origin) {
		return
	}
	h := w.Header()
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Origin", allowOriginValue(cors, origin))
	if cors.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(cors.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(cors.ExposeHeaders, ", "))
	}
}

// allowOriginValue echoes the origin unless a wildcard is configured without
// credentials.
func allowOriginValue(cors *domain.CORSConfig, origin string) string {
	if !cors.AllowCredentials {
		for _, a := range cors.AllowOrigins {
			if a == "*" {
				return "*"
			}
		}
	}
	return origin
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
