package networkpolicy

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/oriys/orbit/internal/domain"
)

// ErrInvalidCIDR is returned when an allow or deny entry does not parse.
var ErrInvalidCIDR = errors.New("invalid cidr")

// Decision is the outcome of an ingress check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Deny {
		return "deny"
	}
	return "allow"
}

// List is a parsed set of address prefixes.
type List struct {
	prefixes []netip.Prefix
}

// ParseList parses CIDR entries. A bare address is treated as a single-host prefix.
func ParseList(entries []string) (List, error) {
	var l List
	for i, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return List{}, fmt.Errorf("%w: entry %d %q: %v", ErrInvalidCIDR, i, entry, err)
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return List{}, fmt.Errorf("%w: entry %d %q: %v", ErrInvalidCIDR, i, entry, err)
		}
		addr = addr.Unmap()
		l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return l, nil
}

// Contains reports whether ip falls in any prefix.
func (l List) Contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Empty reports whether the list has no entries.
func (l List) Empty() bool { return len(l.prefixes) == 0 }

// Check evaluates ip against the lists. The deny list is consulted first and
// wins on overlap; an empty allow list allows everything not denied.
func Check(ip netip.Addr, allow, deny List) Decision {
	if !ip.IsValid() {
		if allow.Empty() && deny.Empty() {
			return Allow
		}
		return Deny
	}
	if deny.Contains(ip) {
		return Deny
	}
	if allow.Empty() || allow.Contains(ip) {
		return Allow
	}
	return Deny
}

// Guard is an app's compiled ingress ACL. Build it when the app is loaded so
// that malformed entries fail at load time rather than per request.
type Guard struct {
	allow List
	deny  List
}

// NewGuard compiles an app's network ACL.
func NewGuard(acl domain.NetworkACL) (*Guard, error) {
	allow, err := ParseList(acl.Allow)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	deny, err := ParseList(acl.Deny)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	return &Guard{allow: allow, deny: deny}, nil
}

// Check evaluates a client address. A nil guard allows everything.
func (g *Guard) Check(ip netip.Addr) Decision {
	if g == nil {
		return Allow
	}
	return Check(ip, g.allow, g.deny)
}

// ParseClientIP parses an address, tolerating a port suffix.
func ParseClientIP(raw string) netip.Addr {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(strings.Trim(raw, "[]")); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}
