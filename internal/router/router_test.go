package router_test

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/router"
)

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	ids, err := ipaddr.NewIDGenerator()
	if err != nil {
		t.Fatalf("NewIDGenerator() error = %v", err)
	}
	return router.New(
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("2001:db8::1"),
		64,
		ids,
	)
}

func buildIPv4Packet(t *testing.T, src, dst string, totalLen int) []byte {
	t.Helper()
	buf := make([]byte, totalLen)
	ipv4 := header.IPv4(buf)
	ipv4.Encode(&header.IPv4Fields{
		TOS:         0,
		TotalLength: uint16(totalLen),
		ID:          1,
		TTL:         1,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(netip.MustParseAddr(src).As4()),
		DstAddr:     tcpip.AddrFrom4(netip.MustParseAddr(dst).As4()),
	})
	ipv4.SetChecksum(^ipv4.CalculateChecksum())
	return buf
}

func buildIPv6Packet(t *testing.T, src, dst string, totalLen int) []byte {
	t.Helper()
	buf := make([]byte, totalLen)
	ipv6 := header.IPv6(buf)
	ipv6.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(totalLen - header.IPv6MinimumSize),
		TransportProtocol: header.UDPProtocolNumber,
		HopLimit:          1,
		SrcAddr:           tcpip.AddrFrom16(netip.MustParseAddr(src).As16()),
		DstAddr:           tcpip.AddrFrom16(netip.MustParseAddr(dst).As16()),
	})
	return buf
}

func TestICMPv4TimeExceededAddressingAndChecksum(t *testing.T) {
	r := newTestRouter(t)
	orig := buildIPv4Packet(t, "198.51.100.2", "192.0.2.33", 40)

	out := r.ICMPv4TimeExceeded(orig)
	if out == nil {
		t.Fatal("ICMPv4TimeExceeded returned nil")
	}

	ipv4 := header.IPv4(out)
	if got, want := ipv4.SourceAddress(), tcpip.AddrFrom4(netip.MustParseAddr("192.0.2.1").As4()); got != want {
		t.Errorf("src = %v, want %v", got, want)
	}
	if got, want := ipv4.DestinationAddress(), tcpip.AddrFrom4(netip.MustParseAddr("198.51.100.2").As4()); got != want {
		t.Errorf("dst = %v, want %v", got, want)
	}
	if ipv4.TTL() != 64 {
		t.Errorf("TTL = %d, want 64", ipv4.TTL())
	}
	if ^ipv4.CalculateChecksum() != 0 {
		t.Error("outer IPv4 header checksum does not verify")
	}

	payload := ipv4.Payload()
	if payload[0] != 11 || payload[1] != 0 {
		t.Errorf("icmp type/code = %d/%d, want 11/0", payload[0], payload[1])
	}
	if checksum.Checksum(payload, 0) != 0xFFFF && checksum.Checksum(payload, 0) != 0 {
		t.Errorf("icmp checksum does not verify, sum=%#x", checksum.Checksum(payload, 0))
	}
}

func TestICMPv4QuoteClampedTo68Bytes(t *testing.T) {
	r := newTestRouter(t)
	orig := buildIPv4Packet(t, "198.51.100.2", "192.0.2.33", 1400)

	out := r.ICMPv4DestinationHostUnreachable(orig)
	ipv4 := header.IPv4(out)
	payload := ipv4.Payload()
	if len(payload)-8 != 68 {
		t.Errorf("quoted length = %d, want 68", len(payload)-8)
	}
	if len(out) != 96 {
		t.Errorf("total ICMPv4 message length = %d, want 96", len(out))
	}
}

func TestICMPv4FragmentationNeededCarriesMTU(t *testing.T) {
	r := newTestRouter(t)
	orig := buildIPv4Packet(t, "198.51.100.2", "192.0.2.33", 1500)

	out := r.ICMPv4FragmentationNeeded(orig, 1252)
	payload := header.IPv4(out).Payload()
	if payload[0] != 3 || payload[1] != 4 {
		t.Fatalf("type/code = %d/%d, want 3/4", payload[0], payload[1])
	}
	if got := binary.BigEndian.Uint16(payload[6:8]); got != 1252 {
		t.Errorf("next-hop MTU = %d, want 1252", got)
	}
}

func TestICMPv6TimeExceededAddressingAndChecksum(t *testing.T) {
	r := newTestRouter(t)
	orig := buildIPv6Packet(t, "64:ff9b::c633:6402", "64:ff9b::c000:0221", 60)

	out := r.ICMPv6TimeExceeded(orig)
	if out == nil {
		t.Fatal("ICMPv6TimeExceeded returned nil")
	}

	ipv6 := header.IPv6(out)
	if got, want := ipv6.SourceAddress(), tcpip.AddrFrom16(netip.MustParseAddr("2001:db8::1").As16()); got != want {
		t.Errorf("src = %v, want %v", got, want)
	}
	if got, want := ipv6.DestinationAddress(), tcpip.AddrFrom16(netip.MustParseAddr("64:ff9b::c633:6402").As16()); got != want {
		t.Errorf("dst = %v, want %v", got, want)
	}

	payload := ipv6.Payload()
	if payload[0] != 3 || payload[1] != 0 {
		t.Errorf("icmp type/code = %d/%d, want 3/0", payload[0], payload[1])
	}

	pseudo := header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber, ipv6.SourceAddress(), ipv6.DestinationAddress(), uint16(len(payload)))
	full := checksum.Combine(pseudo, checksum.Checksum(payload, 0))
	if full != 0xFFFF {
		t.Errorf("icmpv6 checksum does not verify, sum=%#x", full)
	}
}

func TestICMPv6QuoteClampedToFitMinimumMTU(t *testing.T) {
	r := newTestRouter(t)
	orig := buildIPv6Packet(t, "64:ff9b::c633:6402", "64:ff9b::c000:0221", 1500)

	out := r.ICMPv6AddressUnreachable(orig)
	if len(out) != 1280 {
		t.Errorf("total ICMPv6 message length = %d, want 1280", len(out))
	}
}

func TestICMPv6PacketTooBigCarriesMTU(t *testing.T) {
	r := newTestRouter(t)
	orig := buildIPv6Packet(t, "64:ff9b::c633:6402", "64:ff9b::c000:0221", 1500)

	out := r.ICMPv6PacketTooBig(orig, 1500)
	payload := header.IPv6(out).Payload()
	if got := binary.BigEndian.Uint32(payload[4:8]); got != 1500 {
		t.Errorf("mtu = %d, want 1500", got)
	}
}
