package gateway

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/oriys/orbit/internal/networkpolicy"
)

// clientIP returns the address the network guard evaluates. Forwarding
// headers are honored only when the gateway sits behind a trusted proxy;
// otherwise a client could pick its own address.
func clientIP(r *http.Request, trustForwarded bool) netip.Addr {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := networkpolicy.ParseClientIP(first); ip.IsValid() {
				return ip
			}
		}
		if ip := networkpolicy.ParseClientIP(r.Header.Get("X-Real-IP")); ip.IsValid() {
			return ip
		}
	}
	return networkpolicy.ParseClientIP(r.RemoteAddr)
}
