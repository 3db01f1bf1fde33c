// Package xlat46 implements the IPv4-to-IPv6 half of the stateless
// translator: validating and stripping an inbound IPv4 header, mapping its
// addresses, rewriting the carried TCP/UDP checksum or recursing into the
// ICMPv4-to-ICMPv6 payload translation, and sizing/fragmenting the result
// for the configured outbound IPv6 MTU. Grounded on the reference
// implementation's t64_xlat_4to6.c, reusing gvisor's header package for
// wire-format construction the same way internal/router does.
package xlat46

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/mapper"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/router"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/xsum"
)

// Result carries what a single Handle call produced: zero or more IPv6
// packets to emit on the IPv6 side, and/or one ICMPv4 message to emit back
// on the IPv4 side the inbound packet arrived on.
type Result struct {
	IPv6   [][]byte
	ICMPv4 []byte
}

// Translator holds the collaborators a worker needs to translate IPv4
// packets to IPv6: the address mapper, the internal router for ICMP error
// synthesis, a fragment-identifier generator, and the resolved MTU/TOS
// configuration.
type Translator struct {
	mapper mapper.Mapper
	router *router.Router
	ids    *ipaddr.IDGenerator
	cfg    *config.Resolved
}

// New builds a Translator. A single Translator is not safe for concurrent
// use across goroutines sharing one *ipaddr.IDGenerator unless that
// generator itself is; the worker pool gives each worker its own instance
// of all three collaborators.
func New(m mapper.Mapper, rt *router.Router, ids *ipaddr.IDGenerator, cfg *config.Resolved) *Translator {
	return &Translator{mapper: m, router: rt, ids: ids, cfg: cfg}
}

// mainHeader is the validated, partially-translated form of an inbound
// IPv4 packet's header, carrying everything the transport dispatch and
// output-sizing stages need.
type mainHeader struct {
	trafficClass uint8
	hopLimit     uint8
	dontFragment bool
	isFragment   bool
	fragOffset   uint16
	fragMoreFrag bool
	fragID       uint16 // original IPv4 identification, embedded verbatim
	carriedProto uint8  // IPv6 next-header value for the transport (58 for ICMP)
	srcV6        [16]byte
	dstV6        [16]byte
	payload      []byte
}

// Handle translates a single inbound IPv4 packet. A nil Result (both
// fields empty) means the packet was silently dropped.
func (t *Translator) Handle(in []byte) Result {
	hdr, ok, icmpUnreachable := t.parseAndTranslateHeader(in)
	if !ok {
		if icmpUnreachable {
			return Result{ICMPv4: t.router.ICMPv4DestinationHostUnreachable(in)}
		}
		return Result{}
	}

	// The entire IPv4 header (including options) has been validated at
	// this point, so it is safe to route ICMP error messages back to the
	// packet's own source.
	if hdr.hopLimit < 1 {
		return Result{ICMPv4: t.router.ICMPv4TimeExceeded(in)}
	}

	switch hdr.carriedProto {
	case 58: // ICMPv6, carried as ICMPv4 on the wire
		return t.handleICMP(hdr, in)
	case 6: // TCP
		return t.handleTCP(hdr, in)
	case 17: // UDP
		return t.handleUDP(hdr, in)
	default:
		return t.send(hdr, in, nil, hdr.payload)
	}
}

func (t *Translator) parseAndTranslateHeader(in []byte) (hdrOut *mainHeader, ok, icmpUnreachable bool) {
	if len(in) < header.IPv4MinimumSize {
		return nil, false, false
	}

	ihl := int(in[0]&0x0f) * 4
	if ihl < header.IPv4MinimumSize || ihl > len(in) {
		return nil, false, false
	}

	totalLength := int(binary.BigEndian.Uint16(in[2:4]))
	if totalLength != len(in) {
		return nil, false, false
	}

	fragWord := binary.BigEndian.Uint16(in[6:8])
	if fragWord&0x8000 != 0 { // reserved bit must be zero
		return nil, false, false
	}

	ttl := in[8]
	if ttl < 1 {
		return nil, false, false
	}

	if xsum.IPv4HeaderChecksum(in[:ihl]) != 0 {
		return nil, false, false
	}

	if !validateIPv4Options(in[header.IPv4MinimumSize:ihl]) {
		return nil, false, false
	}

	proto := in[9]
	if ipaddr.IsProtocolForbidden(proto) || proto == 58 {
		return nil, false, false
	}
	carriedProto := proto
	if proto == 1 {
		carriedProto = 58
	}

	hdr := &mainHeader{
		hopLimit:     ttl - 1,
		dontFragment: fragWord&0x4000 != 0,
		carriedProto: carriedProto,
	}
	if t.cfg.Copy4To6TOS {
		hdr.trafficClass = in[1]
	}

	frag := ipaddr.DecodeIPv4Fragment(fragWord)
	if frag.IsFragmented() {
		hdr.isFragment = true
		hdr.fragOffset = frag.Offset
		hdr.fragMoreFrag = frag.MoreFrag
		hdr.fragID = binary.BigEndian.Uint16(in[4:6])
	}

	var srcV4, dstV4 [4]byte
	copy(srcV4[:], in[12:16])
	copy(dstV4[:], in[16:20])

	srcV6, dstV6, mapOK, mapUnreachable := t.mapper.MainToV6(srcV4, dstV4)
	if !mapOK {
		return nil, false, mapUnreachable
	}
	hdr.srcV6 = srcV6
	hdr.dstV6 = dstV6
	hdr.payload = in[ihl:]

	return hdr, true, false
}

// validateIPv4Options walks the IPv4 options area, rejecting an unexpired
// loose/strict source route (RFC 7915 §4.1) and any malformed option.
func validateIPv4Options(opts []byte) bool {
	for len(opts) > 0 {
		optType := opts[0]
		if optType == 131 || optType == 137 {
			return false
		}

		var optLen int
		if optType == 0 || optType == 1 {
			optLen = 1
		} else {
			if len(opts) < 2 {
				return false
			}
			optLen = int(opts[1])
			if optLen < 2 {
				return false
			}
		}

		if optLen > len(opts) {
			return false
		}
		opts = opts[optLen:]
	}
	return true
}

func (t *Translator) handleTCP(hdr *mainHeader, in []byte) Result {
	if !hdr.isFragmentOffsetZero() || len(hdr.payload) < 20 {
		return t.send(hdr, in, nil, hdr.payload)
	}

	n := 24
	if len(hdr.payload) < 24 {
		n = len(hdr.payload)
	}
	newTCPStart := make([]byte, n)
	copy(newTCPStart, hdr.payload[:n])
	rewriteChecksum(newTCPStart, 16, in, hdr)

	if n == 24 {
		return t.send(hdr, in, newTCPStart, hdr.payload[24:])
	}
	return t.send(hdr, in, nil, newTCPStart)
}

func (t *Translator) handleUDP(hdr *mainHeader, in []byte) Result {
	if !hdr.isFragmentOffsetZero() || len(hdr.payload) < 8 {
		return t.send(hdr, in, nil, hdr.payload)
	}

	newUDPHeader := make([]byte, 8)
	copy(newUDPHeader, hdr.payload[:8])
	if newUDPHeader[6] == 0 && newUDPHeader[7] == 0 {
		return Result{} // a zero UDP/IPv4 checksum is legal on the wire, illegal on IPv6: drop
	}

	rewriteChecksum(newUDPHeader, 6, in, hdr)
	if newUDPHeader[6] == 0 && newUDPHeader[7] == 0 {
		newUDPHeader[6], newUDPHeader[7] = 0xff, 0xff
	}

	return t.send(hdr, in, newUDPHeader, hdr.payload[8:])
}

// rewriteChecksum incrementally recalculates the transport checksum found
// at buf[offset:offset+2] for the 4-to-6 address substitution, leaving the
// payload untouched.
func rewriteChecksum(buf []byte, offset int, in []byte, hdr *mainHeader) {
	var oldSrc, oldDst [4]byte
	copy(oldSrc[:], in[12:16])
	copy(oldDst[:], in[16:20])
	old := binary.BigEndian.Uint16(buf[offset : offset+2])
	newSum := xsum.RewriteAddrs4to6(old,
		tcpip.AddrFrom4(oldSrc), tcpip.AddrFrom4(oldDst),
		tcpip.AddrFrom16(hdr.srcV6), tcpip.AddrFrom16(hdr.dstV6),
	)
	binary.BigEndian.PutUint16(buf[offset:offset+2], newSum)
}

func (h *mainHeader) isFragmentOffsetZero() bool {
	return !h.isFragment || h.fragOffset == 0
}

func (t *Translator) handleICMP(hdr *mainHeader, in []byte) Result {
	// RFC 7915 §4.1: fragmented ICMP/ICMPv6 packets are not translated.
	if hdr.isFragment {
		return Result{}
	}
	if xsum.ICMPChecksum(hdr.payload) != 0 {
		return Result{}
	}

	message, ok := translateICMPv4ToICMPv6(hdr.payload, hdr.srcV6, hdr.dstV6, t.mapper, t.cfg)
	if !ok {
		return Result{}
	}

	return t.send(hdr, in, nil, message)
}

// send sizes the translated packet (header + optional fragment header +
// payload1 + payload2) against the outbound IPv6 MTU, then either emits it
// directly, refragments it, or (when DF-equivalent behavior is requested
// and refragmentation would be needed) bounces an ICMPv4 Fragmentation
// Needed message back to the source.
func (t *Translator) send(hdr *mainHeader, origIn []byte, payload1, payload2 []byte) Result {
	fragHdrLen := 0
	if hdr.isFragment {
		fragHdrLen = 8
	}
	total := header.IPv6MinimumSize + fragHdrLen + len(payload1) + len(payload2)

	if total <= t.cfg.OutboundMTU6 {
		return Result{IPv6: [][]byte{t.buildSingle(hdr, payload1, payload2)}}
	}

	if hdr.dontFragment {
		mtu := uint16(t.cfg.OutboundMTU6 - 28)
		return Result{ICMPv4: t.router.ICMPv4FragmentationNeeded(origIn, mtu)}
	}

	return Result{IPv6: t.fragmentAndSend(hdr, payload1, payload2)}
}

func (t *Translator) buildSingle(hdr *mainHeader, payload1, payload2 []byte) []byte {
	fragHdrLen := 0
	nextHeader := tcpip.TransportProtocolNumber(hdr.carriedProto)
	if hdr.isFragment {
		fragHdrLen = 8
		nextHeader = 44
	}
	total := header.IPv6MinimumSize + fragHdrLen + len(payload1) + len(payload2)

	buf := make([]byte, total)
	ipv6 := header.IPv6(buf)
	ipv6.Encode(&header.IPv6Fields{
		TrafficClass:      hdr.trafficClass,
		PayloadLength:     uint16(total - header.IPv6MinimumSize),
		TransportProtocol: nextHeader,
		HopLimit:          hdr.hopLimit,
		SrcAddr:           tcpip.AddrFrom16(hdr.srcV6),
		DstAddr:           tcpip.AddrFrom16(hdr.dstV6),
	})

	rest := buf[header.IPv6MinimumSize:]
	if hdr.isFragment {
		encodeFragmentHeader(rest[:8], hdr.carriedProto, hdr.fragOffset, hdr.fragMoreFrag, uint32(hdr.fragID))
		rest = rest[8:]
	}
	copy(rest, payload1)
	copy(rest[len(payload1):], payload2)

	return buf
}

func encodeFragmentHeader(buf []byte, nextHeader uint8, offsetChunks uint16, moreFrag bool, id uint32) {
	buf[0] = nextHeader
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], ipaddr.IPv6Fragment{Offset: offsetChunks, MoreFrag: moreFrag}.Encode())
	binary.BigEndian.PutUint32(buf[4:8], id)
}

func (t *Translator) fragmentAndSend(hdr *mainHeader, payload1, payload2 []byte) [][]byte {
	maxFragPayload := t.cfg.OutboundMTU6 - 48
	maxFragPayload -= maxFragPayload % 8
	if maxFragPayload <= 0 {
		return nil
	}

	var fragID uint32
	var offsetChunks uint16
	var moreFragAfterPacket bool
	if hdr.isFragment {
		fragID = uint32(hdr.fragID)
		offsetChunks = hdr.fragOffset
		moreFragAfterPacket = hdr.fragMoreFrag
	} else {
		fragID = t.ids.NextIPv6()
	}

	var packets [][]byte
	sendPart := func(data []byte, moreAfter bool) bool {
		for len(data) > 0 {
			n := len(data)
			if n > maxFragPayload {
				n = maxFragPayload
			}
			moreThis := len(data) > maxFragPayload || moreAfter
			if offsetChunks > 8191 {
				return false
			}

			total := header.IPv6MinimumSize + 8 + n
			buf := make([]byte, total)
			ipv6 := header.IPv6(buf)
			ipv6.Encode(&header.IPv6Fields{
				TrafficClass:      hdr.trafficClass,
				PayloadLength:     uint16(8 + n),
				TransportProtocol: 44,
				HopLimit:          hdr.hopLimit,
				SrcAddr:           tcpip.AddrFrom16(hdr.srcV6),
				DstAddr:           tcpip.AddrFrom16(hdr.dstV6),
			})
			encodeFragmentHeader(buf[header.IPv6MinimumSize:header.IPv6MinimumSize+8], hdr.carriedProto, offsetChunks, moreThis, fragID)
			copy(buf[header.IPv6MinimumSize+8:], data[:n])
			packets = append(packets, buf)

			data = data[n:]
			offsetChunks += uint16(n / 8)
		}
		return true
	}

	if len(payload1) > 0 {
		if !sendPart(payload1, len(payload2) > 0 || moreFragAfterPacket) {
			return packets
		}
	}
	if len(payload2) > 0 {
		sendPart(payload2, moreFragAfterPacket)
	}
	return packets
}
