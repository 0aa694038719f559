package networkpolicy

import (
	"errors"
	"net/netip"
	"testing"
)

func TestIsPrivateAddr(t *testing.T) {
	private := []string{"127.0.0.1", "10.1.2.3", "172.20.0.1", "192.168.1.1", "169.254.169.254", "::1", "fe80::1", "fd00::1", "::ffff:10.0.0.1"}
	for _, s := range private {
		if !IsPrivateAddr(netip.MustParseAddr(s)) {
			t.Errorf("%s should be private", s)
		}
	}
	public := []string{"8.8.8.8", "203.0.114.1", "2606:4700::1111"}
	for _, s := range public {
		if IsPrivateAddr(netip.MustParseAddr(s)) {
			t.Errorf("%s should be public", s)
		}
	}
}

func TestEnforceEgress(t *testing.T) {
	if err := EnforceEgress("1.1.1.1:443"); err != nil {
		t.Fatalf("expected public address to pass, got %v", err)
	}
	if err := EnforceEgress("127.0.0.1:80"); !errors.Is(err, ErrEgressBlocked) {
		t.Fatalf("expected ErrEgressBlocked, got %v", err)
	}
	if err := EnforceEgress("[fe80::1]:80"); !errors.Is(err, ErrEgressBlocked) {
		t.Fatalf("expected ErrEgressBlocked for link-local, got %v", err)
	}
}

func TestPublicDialer_RefusesLoopback(t *testing.T) {
	d := PublicDialer(0)
	conn, err := d.Dial("tcp", "127.0.0.1:1")
	if conn != nil {
		conn.Close()
	}
	if !errors.Is(err, ErrEgressBlocked) {
		t.Fatalf("expected dial to be refused by control hook, got %v", err)
	}
}
