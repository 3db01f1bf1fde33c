package mapper_test

import (
	"net/netip"
	"testing"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/mapper"
)

func resolvedSIIT(t *testing.T) *config.Resolved {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Addressing.Mode = "siit"
	cfg.Addressing.Prefix = "64:ff9b::/96"
	// The test addresses are documentation addresses, which are private.
	cfg.Addressing.AllowPrivate = true
	cfg.Router.IPv4 = "192.0.2.1"
	cfg.Router.IPv6 = "2001:db8::1"
	r, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return r
}

func TestNewBuildsLocalAdapterForSIIT(t *testing.T) {
	m := mapper.New(resolvedSIIT(t))

	src := netip.MustParseAddr("198.51.100.2").As4()
	dst := netip.MustParseAddr("192.0.2.33").As4()

	srcOut, dstOut, ok, icmpUnreachable := m.MainToV6(src, dst)
	if !ok {
		t.Fatal("MainToV6 failed, want success")
	}
	if icmpUnreachable {
		t.Error("local adapter must never report icmpUnreachable")
	}
	if srcOut == ([16]byte{}) || dstOut == ([16]byte{}) {
		t.Error("expected non-zero embedded addresses")
	}
}

func resolvedExternal(t *testing.T) *config.Resolved {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Addressing.Mode = "external"
	cfg.Addressing.External.Transport = "unix"
	cfg.Addressing.External.UnixPath = "/tmp/does-not-need-to-exist.sock"
	cfg.Router.IPv4 = "192.0.2.1"
	cfg.Router.IPv6 = "2001:db8::1"
	r, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return r
}

func TestNewBuildsExternalAdapterForExternalMode(t *testing.T) {
	m := mapper.New(resolvedExternal(t))

	src := netip.MustParseAddr("198.51.100.2").As4()
	dst := netip.MustParseAddr("192.0.2.33").As4()

	// No listener exists at the configured path, so the dial fails and the
	// request must come back as an ordinary drop, not an ICMP signal.
	_, _, ok, icmpUnreachable := m.MainToV6(src, dst)
	if ok {
		t.Error("expected failure when no external mapper is listening")
	}
	if icmpUnreachable {
		t.Error("a transport failure must not be reported as icmpUnreachable")
	}
}
