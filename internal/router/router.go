// Package router synthesizes the ICMP error messages the translation
// pipeline sends back toward a packet's own source when it cannot be
// translated (TTL/hop-limit exhausted, required fragmentation refused,
// explicit external-mapper unreachable). Grounded on the reference
// implementation's internal router (t64_router_ipv4.c, t64_router_ipv6.c).
// Header construction reuses gvisor's header package the same way a real
// tun.Device implementation builds outbound IPv4/IPv6 headers.
package router

import (
	"encoding/binary"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/xsum"
)

const (
	icmpHeaderSize = 8

	// maxICMPv4Quote clamps the quoted original packet to 68 bytes, so the
	// resulting ICMPv4 message (20 + 8 + 68 = 96 bytes) fits the smallest
	// IPv4 MTU this system accepts, and always quotes at least 8 bytes of
	// the original packet's transport header even when its IP header used
	// the maximum 60-byte IHL.
	maxICMPv4Quote = 68

	// icmpv6OuterBudget is the minimum IPv6 MTU (RFC 8200); the quoted
	// payload is clamped so the whole generated packet never exceeds it.
	icmpv6OuterBudget = 1280
)

// Router builds ICMP error packets addressed from the translator's own
// router address back to the source of a packet that could not be
// translated.
type Router struct {
	routerV4 tcpip.Address
	routerV6 tcpip.Address
	ttl      uint8
	ids      *ipaddr.IDGenerator
}

// New builds a Router. ids supplies the IPv4 identification field for
// synthesized ICMPv4 packets, sharing the same per-worker counter the
// translators use for fragment identifiers.
func New(routerV4, routerV6 netip.Addr, ttl uint8, ids *ipaddr.IDGenerator) *Router {
	return &Router{
		routerV4: tcpip.AddrFrom4(routerV4.As4()),
		routerV6: tcpip.AddrFrom16(routerV6.As16()),
		ttl:      ttl,
		ids:      ids,
	}
}

// ICMPv4DestinationHostUnreachable builds a type 3 / code 1 message
// quoting origPacket, an inbound IPv4 packet that failed translation.
func (r *Router) ICMPv4DestinationHostUnreachable(origPacket []byte) []byte {
	return r.icmpv4(origPacket, 3, 1, 0)
}

// ICMPv4TimeExceeded builds a type 11 / code 0 message.
func (r *Router) ICMPv4TimeExceeded(origPacket []byte) []byte {
	return r.icmpv4(origPacket, 11, 0, 0)
}

// ICMPv4FragmentationNeeded builds a type 3 / code 4 message carrying the
// next-hop MTU in the low 16 bits of the rest-of-header.
func (r *Router) ICMPv4FragmentationNeeded(origPacket []byte, nextHopMTU uint16) []byte {
	return r.icmpv4(origPacket, 3, 4, nextHopMTU)
}

func (r *Router) icmpv4(origPacket []byte, icmpType, icmpCode uint8, restOfHeader2 uint16) []byte {
	if len(origPacket) < header.IPv4MinimumSize {
		return nil
	}

	quoteLen := len(origPacket)
	if quoteLen > maxICMPv4Quote {
		quoteLen = maxICMPv4Quote
	}
	quote := origPacket[:quoteLen]

	var origSrc [4]byte
	copy(origSrc[:], header.IPv4(origPacket).SourceAddress().AsSlice())
	dst := tcpip.AddrFrom4(origSrc)

	full := make([]byte, header.IPv4MinimumSize+icmpHeaderSize+len(quote))
	ipv4 := header.IPv4(full)
	ipv4.Encode(&header.IPv4Fields{
		TOS:         0,
		TotalLength: uint16(len(full)),
		ID:          r.ids.NextIPv4(),
		TTL:         r.ttl,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     r.routerV4,
		DstAddr:     dst,
		Checksum:    0,
	})
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	payload := ipv4.Payload()
	payload[0] = icmpType
	payload[1] = icmpCode
	payload[2], payload[3] = 0, 0 // checksum, filled below
	binary.BigEndian.PutUint16(payload[4:6], 0)
	binary.BigEndian.PutUint16(payload[6:8], restOfHeader2)
	copy(payload[icmpHeaderSize:], quote)

	cksum := xsum.ICMPChecksum(payload)
	binary.BigEndian.PutUint16(payload[2:4], cksum)

	return full
}

// ICMPv6AddressUnreachable builds a type 1 / code 3 message.
func (r *Router) ICMPv6AddressUnreachable(origPacket []byte) []byte {
	return r.icmpv6(origPacket, 1, 3, 0)
}

// ICMPv6TimeExceeded builds a type 3 / code 0 message.
func (r *Router) ICMPv6TimeExceeded(origPacket []byte) []byte {
	return r.icmpv6(origPacket, 3, 0, 0)
}

// ICMPv6PacketTooBig builds a type 2 / code 0 message carrying mtu in the
// 32-bit rest-of-header.
func (r *Router) ICMPv6PacketTooBig(origPacket []byte, mtu uint32) []byte {
	return r.icmpv6(origPacket, 2, 0, mtu)
}

func (r *Router) icmpv6(origPacket []byte, icmpType, icmpCode uint8, restOfHeader uint32) []byte {
	if len(origPacket) < header.IPv6MinimumSize {
		return nil
	}

	maxQuote := icmpv6OuterBudget - header.IPv6MinimumSize - icmpHeaderSize
	quoteLen := len(origPacket)
	if quoteLen > maxQuote {
		quoteLen = maxQuote
	}
	quote := origPacket[:quoteLen]

	var origSrc [16]byte
	copy(origSrc[:], header.IPv6(origPacket).SourceAddress().AsSlice())
	dst := tcpip.AddrFrom16(origSrc)

	full := make([]byte, header.IPv6MinimumSize+icmpHeaderSize+len(quote))
	ipv6 := header.IPv6(full)
	ipv6.Encode(&header.IPv6Fields{
		TrafficClass:      0,
		FlowLabel:         0,
		PayloadLength:     uint16(icmpHeaderSize + len(quote)),
		TransportProtocol: header.ICMPv6ProtocolNumber,
		HopLimit:          r.ttl,
		SrcAddr:           r.routerV6,
		DstAddr:           dst,
	})

	payload := ipv6.Payload()
	payload[0] = icmpType
	payload[1] = icmpCode
	payload[2], payload[3] = 0, 0
	binary.BigEndian.PutUint32(payload[4:8], restOfHeader)
	copy(payload[icmpHeaderSize:], quote)

	cksum := xsum.TransportChecksumIPv6(header.ICMPv6ProtocolNumber, r.routerV6, dst, payload)
	binary.BigEndian.PutUint16(payload[2:4], cksum)

	return full
}
