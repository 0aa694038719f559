package networkpolicy

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/oriys/orbit/internal/domain"
)

func mustList(t *testing.T, entries ...string) List {
	t.Helper()
	l, err := ParseList(entries)
	if err != nil {
		t.Fatalf("ParseList(%v): %v", entries, err)
	}
	return l
}

func TestCheck_EmptyListsAllow(t *testing.T) {
	if d := Check(netip.MustParseAddr("203.0.113.7"), List{}, List{}); d != Allow {
		t.Fatalf("expected allow, got %s", d)
	}
}

func TestCheck_DenyWinsOnOverlap(t *testing.T) {
	allow := mustList(t, "10.0.0.0/8")
	deny := mustList(t, "10.1.0.0/16")

	if d := Check(netip.MustParseAddr("10.1.2.3"), allow, deny); d != Deny {
		t.Fatalf("expected deny for overlapping entry, got %s", d)
	}
	if d := Check(netip.MustParseAddr("10.2.0.1"), allow, deny); d != Allow {
		t.Fatalf("expected allow, got %s", d)
	}
}

func TestCheck_EmptyAllowMeansAllExceptDenied(t *testing.T) {
	deny := mustList(t, "198.51.100.0/24")
	if d := Check(netip.MustParseAddr("198.51.100.9"), List{}, deny); d != Deny {
		t.Fatalf("expected deny, got %s", d)
	}
	if d := Check(netip.MustParseAddr("192.0.2.1"), List{}, deny); d != Allow {
		t.Fatalf("expected allow, got %s", d)
	}
}

func TestCheck_AllowListExcludesOthers(t *testing.T) {
	allow := mustList(t, "192.0.2.10")
	if d := Check(netip.MustParseAddr("192.0.2.10"), allow, List{}); d != Allow {
		t.Fatalf("expected allow for listed host, got %s", d)
	}
	if d := Check(netip.MustParseAddr("192.0.2.11"), allow, List{}); d != Deny {
		t.Fatalf("expected deny for unlisted host, got %s", d)
	}
}

func TestCheck_IPv4MappedAddress(t *testing.T) {
	deny := mustList(t, "203.0.113.0/24")
	if d := Check(netip.MustParseAddr("::ffff:203.0.113.5"), List{}, deny); d != Deny {
		t.Fatalf("expected mapped address to be denied, got %s", d)
	}
}

func TestCheck_InvalidClientIPFailsClosedWhenListsSet(t *testing.T) {
	deny := mustList(t, "203.0.113.0/24")
	if d := Check(netip.Addr{}, List{}, deny); d != Deny {
		t.Fatalf("expected deny for unknown client address, got %s", d)
	}
}

func TestParseList_InvalidEntry(t *testing.T) {
	_, err := ParseList([]string{"10.0.0.0/8", "not-a-cidr"})
	if !errors.Is(err, ErrInvalidCIDR) {
		t.Fatalf("expected ErrInvalidCIDR, got %v", err)
	}
}

func TestNewGuard(t *testing.T) {
	g, err := NewGuard(domain.NetworkACL{Deny: []string{"2001:db8::/32"}})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if d := g.Check(netip.MustParseAddr("2001:db8::1")); d != Deny {
		t.Fatalf("expected deny, got %s", d)
	}

	if _, err := NewGuard(domain.NetworkACL{Allow: []string{"300.0.0.0/8"}}); !errors.Is(err, ErrInvalidCIDR) {
		t.Fatalf("expected load-time ErrInvalidCIDR, got %v", err)
	}

	var nilGuard *Guard
	if nilGuard.Check(netip.MustParseAddr("127.0.0.1")) != Allow {
		t.Fatal("nil guard must allow")
	}
}

func TestParseClientIP(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:5555": "192.0.2.1",
		"192.0.2.1":      "192.0.2.1",
		"[::1]:8080":     "::1",
		"::1":            "::1",
	}
	for in, want := range tests {
		if got := ParseClientIP(in); got.String() != want {
			t.Errorf("ParseClientIP(%q) = %s, want %s", in, got, want)
		}
	}
	if ParseClientIP("garbage").IsValid() {
		t.Error("expected invalid address for garbage input")
	}
}
