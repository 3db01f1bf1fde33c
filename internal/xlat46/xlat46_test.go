package xlat46_test

import (
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/mapper"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/router"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/xlat46"
)

func testSetup(t *testing.T) (*xlat46.Translator, *config.Resolved) {
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

	ids, err := ipaddr.NewIDGenerator()
	if err != nil {
		t.Fatalf("NewIDGenerator() error = %v", err)
	}

	m := mapper.New(r)
	rt := router.New(r.RouterIPv4, r.RouterIPv6, r.RouterTTL, ids)
	return xlat46.New(m, rt, ids, r), r
}

func buildIPv4UDP(t *testing.T, src, dst string, ttl uint8, payload []byte) []byte {
	t.Helper()
	total := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	buf := make([]byte, total)
	ipv4 := header.IPv4(buf)
	ipv4.Encode(&header.IPv4Fields{
		TOS:         0,
		TotalLength: uint16(total),
		ID:          42,
		TTL:         ttl,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(netip.MustParseAddr(src).As4()),
		DstAddr:     tcpip.AddrFrom4(netip.MustParseAddr(dst).As4()),
	})
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	udp := header.UDP(ipv4.Payload())
	udp.Encode(&header.UDPFields{SrcPort: 1234, DstPort: 53, Length: uint16(header.UDPMinimumSize + len(payload))})
	copy(udp.Payload(), payload)
	pseudo := header.PseudoHeaderChecksum(header.UDPProtocolNumber, ipv4.SourceAddress(), ipv4.DestinationAddress(), uint16(len(udp)))
	udp.SetChecksum(^udp.CalculateChecksum(pseudo))

	return buf
}

func TestHandleUDPTranslatesAddressesAndChecksum(t *testing.T) {
	tr, _ := testSetup(t)
	in := buildIPv4UDP(t, "198.51.100.2", "192.0.2.33", 64, []byte("hello"))

	res := tr.Handle(in)
	if len(res.IPv6) != 1 {
		t.Fatalf("IPv6 packets = %d, want 1", len(res.IPv6))
	}
	out := res.IPv6[0]
	ipv6 := header.IPv6(out)
	if got, want := ipv6.SourceAddress(), tcpip.AddrFrom16(netip.MustParseAddr("64:ff9b::c633:6402").As16()); got != want {
		t.Errorf("src = %v, want %v", got, want)
	}
	if ipv6.HopLimit() != 63 {
		t.Errorf("hop limit = %d, want 63", ipv6.HopLimit())
	}

	udp := header.UDP(ipv6.Payload())
	pseudo := header.PseudoHeaderChecksum(header.UDPProtocolNumber, ipv6.SourceAddress(), ipv6.DestinationAddress(), uint16(len(udp)))
	full := checksum.Combine(pseudo, checksum.Checksum(udp, 0))
	if full != 0xffff {
		t.Errorf("udp checksum does not verify, sum=%#x", full)
	}
}

func TestHandleDropsExpiredTTLWithICMPTimeExceeded(t *testing.T) {
	tr, _ := testSetup(t)
	in := buildIPv4UDP(t, "198.51.100.2", "192.0.2.33", 1, []byte("x"))

	res := tr.Handle(in)
	if len(res.IPv6) != 0 {
		t.Errorf("expected no IPv6 output, got %d packets", len(res.IPv6))
	}
	if res.ICMPv4 == nil {
		t.Fatal("expected an ICMPv4 Time Exceeded reply")
	}
	payload := header.IPv4(res.ICMPv4).Payload()
	if payload[0] != 11 || payload[1] != 0 {
		t.Errorf("icmp type/code = %d/%d, want 11/0", payload[0], payload[1])
	}
}

func TestHandleDropsForbiddenProtocol(t *testing.T) {
	tr, _ := testSetup(t)
	in := buildIPv4UDP(t, "198.51.100.2", "192.0.2.33", 64, []byte("x"))
	header.IPv4(in).SetChecksum(0)
	in[9] = 43 // Routing Header for IPv6: forbidden
	ipv4 := header.IPv4(in)
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	res := tr.Handle(in)
	if len(res.IPv6) != 0 || res.ICMPv4 != nil {
		t.Error("expected a silent drop for a forbidden protocol")
	}
}

func TestHandleDontFragmentOversizeTriggersFragNeeded(t *testing.T) {
	tr, r := testSetup(t)
	r.OutboundMTU6 = 1280

	payload := make([]byte, 1400)
	in := buildIPv4UDP(t, "198.51.100.2", "192.0.2.33", 64, payload)
	ipv4 := header.IPv4(in)
	fragWord := uint16(0x4000) // DF set
	in[6] = byte(fragWord >> 8)
	in[7] = byte(fragWord)
	ipv4.SetChecksum(0)
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	res := tr.Handle(in)
	if res.ICMPv4 == nil {
		t.Fatal("expected an ICMPv4 Fragmentation Needed reply")
	}
	if len(res.IPv6) != 0 {
		t.Error("expected no IPv6 output when DF forces an ICMP reply")
	}
}

// unreachableMapper always reports the external-mapper "host unreachable"
// outcome for a main 4->6 request, regardless of the addresses given.
type unreachableMapper struct{}

func (unreachableMapper) MainToV6([4]byte, [4]byte) (srcOut, dstOut [16]byte, ok, icmpUnreachable bool) {
	return srcOut, dstOut, false, true
}

func (unreachableMapper) InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte) {
	return srcOut, dstOut
}

func (unreachableMapper) MainToV4([16]byte, [16]byte) (srcOut, dstOut [4]byte, ok, icmpUnreachable bool) {
	return srcOut, dstOut, false, false
}

func (unreachableMapper) InnerToV4([16]byte, [16]byte) (srcOut, dstOut [4]byte, ok bool) {
	return srcOut, dstOut, false
}

func TestHandleExternalMapperHostUnreachableEmitsICMPv4(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Addressing.Mode = "external"
	cfg.Addressing.External.UnixPath = "/run/nat64-mapper.sock"
	cfg.Router.IPv4 = "192.0.2.1"
	cfg.Router.IPv6 = "2001:db8::1"
	r, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	ids, err := ipaddr.NewIDGenerator()
	if err != nil {
		t.Fatalf("NewIDGenerator() error = %v", err)
	}
	rt := router.New(r.RouterIPv4, r.RouterIPv6, r.RouterTTL, ids)
	tr := xlat46.New(unreachableMapper{}, rt, ids, r)

	in := buildIPv4UDP(t, "198.51.100.2", "203.0.113.9", 64, []byte("x"))

	res := tr.Handle(in)
	if len(res.IPv6) != 0 {
		t.Error("expected no IPv6 output on external-mapper host-unreachable")
	}
	if res.ICMPv4 == nil {
		t.Fatal("expected an ICMPv4 Destination Host Unreachable reply")
	}

	ipv4 := header.IPv4(res.ICMPv4)
	payload := ipv4.Payload()
	if payload[0] != 3 || payload[1] != 1 {
		t.Errorf("icmp type/code = %d/%d, want 3/1 (Destination Host Unreachable)", payload[0], payload[1])
	}
	if got := ipv4.DestinationAddress(); got != tcpip.AddrFrom4(netip.MustParseAddr("198.51.100.2").As4()) {
		t.Errorf("icmp reply dst = %v, want original source 198.51.100.2", got)
	}
}
