// Package xlat64 implements the IPv6-to-IPv4 half of the stateless
// translator: walking an inbound IPv6 packet's extension header chain,
// mapping its addresses, rewriting the carried TCP/UDP checksum or
// recursing into the ICMPv6-to-ICMPv4 payload translation, and sizing the
// result for the configured outbound IPv4 MTU. Grounded on the reference
// implementation's t64_xlat_6to4.c, reusing gvisor's header package for
// wire-format construction the same way internal/xlat46 does.
package xlat64

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

// Result carries what a single Handle call produced: zero or more IPv4
// packets to emit, and/or one ICMPv6 message to emit back on the IPv6 side
// the inbound packet arrived on.
type Result struct {
	IPv4   [][]byte
	ICMPv6 []byte
}

// Translator holds the collaborators a worker needs to translate IPv6
// packets to IPv4.
type Translator struct {
	mapper mapper.Mapper
	router *router.Router
	ids    *ipaddr.IDGenerator
	cfg    *config.Resolved
}

// New builds a Translator.
func New(m mapper.Mapper, rt *router.Router, ids *ipaddr.IDGenerator, cfg *config.Resolved) *Translator {
	return &Translator{mapper: m, router: rt, ids: ids, cfg: cfg}
}

// mainHeader is the validated, partially-translated form of an inbound
// IPv6 packet's header chain.
type mainHeader struct {
	tos          uint8
	hopLimit     uint8
	isFragment   bool
	fragOffset   uint16
	fragMoreFrag bool
	fragID       uint16 // low 16 bits of the IPv6 fragment identification, embedded into the IPv4 id
	carriedProto uint8  // IPv4 protocol number (1 for ICMPv6/ICMPv4)
	srcV4        [4]byte
	dstV4        [4]byte
	payload      []byte

	preTranslationSrc [16]byte
	preTranslationDst [16]byte
}

// Handle translates a single inbound IPv6 packet. A nil Result means the
// packet was silently dropped.
func (t *Translator) Handle(in []byte) Result {
	hdr, origPayload, ok := t.parseHeader(in)
	if !ok {
		return Result{}
	}

	hdr.preTranslationSrc = hdr.srcAddrIn(in)
	hdr.preTranslationDst = hdr.dstAddrIn(in)

	srcV4, dstV4, ok, icmpUnreachable := t.mapper.MainToV4(hdr.preTranslationSrc, hdr.preTranslationDst)
	if !ok {
		if icmpUnreachable {
			return Result{ICMPv6: t.router.ICMPv6AddressUnreachable(in)}
		}
		return Result{}
	}
	hdr.srcV4 = srcV4
	hdr.dstV4 = dstV4

	if hdr.hopLimit < 1 {
		return Result{ICMPv6: t.router.ICMPv6TimeExceeded(in)}
	}

	hdr.payload = origPayload

	switch hdr.carriedProto {
	case 1: // ICMPv4, carried as ICMPv6 on the wire
		return t.handleICMP(hdr, in)
	case 6: // TCP
		return t.handleTCP(hdr, in)
	case 17: // UDP
		return t.handleUDP(hdr, in)
	default:
		return t.send(hdr, in, nil, hdr.payload)
	}
}

// srcAddrIn and dstAddrIn read the pre-translation IPv6 addresses straight
// off the wire, before mainHeader's own srcV4/dstV4 fields are resolved.
func (h *mainHeader) srcAddrIn(in []byte) [16]byte {
	var a [16]byte
	copy(a[:], in[8:24])
	return a
}

func (h *mainHeader) dstAddrIn(in []byte) [16]byte {
	var a [16]byte
	copy(a[:], in[24:40])
	return a
}

// parseHeader validates the fixed IPv6 header and walks the extension
// header chain, returning the validated header and the payload that
// follows the chain.
func (t *Translator) parseHeader(in []byte) (*mainHeader, []byte, bool) {
	if len(in) < header.IPv6MinimumSize {
		return nil, nil, false
	}
	if in[0]>>4 != 6 {
		return nil, nil, false
	}

	payloadLength := int(binary.BigEndian.Uint16(in[4:6]))
	if header.IPv6MinimumSize+payloadLength != len(in) {
		return nil, nil, false
	}

	if in[7] < 1 {
		return nil, nil, false
	}

	hdr := &mainHeader{hopLimit: in[7] - 1}
	if t.cfg.Copy6To4TOS {
		hdr.tos = (in[0] << 4) | (in[1] >> 4)
	}

	current := in[header.IPv6MinimumSize:]
	currentHeaderNumber := in[6]
	var fragFound bool

	for currentHeaderNumber == 0 || currentHeaderNumber == 43 || currentHeaderNumber == 44 || currentHeaderNumber == 60 {
		if len(current) < 8 {
			return nil, nil, false
		}

		if currentHeaderNumber == 43 { // Routing Header: Segments Left must be zero
			if current[3] != 0 {
				return nil, nil, false
			}
		}

		if currentHeaderNumber == 44 { // Fragment Header
			if fragFound {
				return nil, nil, false
			}
			fragFound = true
			if current[1] != 0 || current[2]&0x06 != 0 {
				return nil, nil, false
			}
			fragWord := binary.BigEndian.Uint16(current[2:4])
			frag := ipaddr.DecodeIPv6Fragment(fragWord)
			if frag.Reserved != 0 {
				return nil, nil, false
			}
			hdr.isFragment = true
			hdr.fragOffset = frag.Offset
			hdr.fragMoreFrag = frag.MoreFrag
			hdr.fragID = uint16(binary.BigEndian.Uint32(current[4:8]))

			currentHeaderNumber = current[0]
			current = current[8:]
			continue
		}

		nextHeaderNumber := current[0]
		headerSize := 8 + int(current[1])*8
		if headerSize > len(current) {
			return nil, nil, false
		}
		currentHeaderNumber = nextHeaderNumber
		current = current[headerSize:]
	}

	proto := currentHeaderNumber
	carriedProto := proto
	if proto == 58 {
		carriedProto = 1
	}
	if ipaddr.IsProtocolForbidden(proto) || proto == 1 {
		return nil, nil, false
	}
	hdr.carriedProto = carriedProto

	return hdr, current, true
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
	rewriteChecksum(newTCPStart, 16, hdr)

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
		return Result{} // an IPv6 UDP checksum must never be zero on the wire: treat as corrupt
	}

	rewriteChecksum(newUDPHeader, 6, hdr)
	if newUDPHeader[6] == 0 && newUDPHeader[7] == 0 {
		newUDPHeader[6], newUDPHeader[7] = 0, 0 // a zero UDP/IPv4 checksum means "none computed", which is legal
	}

	return t.send(hdr, in, newUDPHeader, hdr.payload[8:])
}

// rewriteChecksum incrementally recalculates the transport checksum found
// at buf[offset:offset+2] for the 6-to-4 address substitution.
func rewriteChecksum(buf []byte, offset int, hdr *mainHeader) {
	old := binary.BigEndian.Uint16(buf[offset : offset+2])
	newSum := xsum.RewriteAddrs6to4(old,
		tcpip.AddrFrom16(hdr.preTranslationSrc), tcpip.AddrFrom16(hdr.preTranslationDst),
		tcpip.AddrFrom4(hdr.srcV4), tcpip.AddrFrom4(hdr.dstV4),
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
	if xsum.TransportChecksumIPv6(header.ICMPv6ProtocolNumber, tcpip.AddrFrom16(hdr.preTranslationSrc), tcpip.AddrFrom16(hdr.preTranslationDst), hdr.payload) != 0 {
		return Result{}
	}

	message, ok := translateICMPv6ToICMPv4(hdr.payload, t.mapper, t.cfg, t.ids)
	if !ok {
		return Result{}
	}

	return t.send(hdr, in, nil, message)
}

// send sizes the translated packet against the outbound IPv4 MTU,
// following the 1260-byte DF decision: at or below the threshold, DF is
// cleared and fragmentation is left to the network; above it, DF is set,
// and a packet the configured outbound MTU cannot carry bounces an ICMPv6
// Packet Too Big message instead of being sent.
func (t *Translator) send(hdr *mainHeader, origIn []byte, payload1, payload2 []byte) Result {
	total := header.IPv4MinimumSize + len(payload1) + len(payload2)

	dontFragment := total > 1260
	if dontFragment && total > t.cfg.OutboundMTU4 {
		mtu := uint32(t.cfg.OutboundMTU4) + 20
		if mtu < 1280 {
			mtu = 1280
		}
		return Result{ICMPv6: t.router.ICMPv6PacketTooBig(origIn, mtu)}
	}

	return Result{IPv4: [][]byte{t.build(hdr, dontFragment, payload1, payload2)}}
}

func (t *Translator) build(hdr *mainHeader, dontFragment bool, payload1, payload2 []byte) []byte {
	total := header.IPv4MinimumSize + len(payload1) + len(payload2)

	var id uint16
	var fragOffsetAndFlags uint16
	if hdr.isFragment {
		id = hdr.fragID
		frag := ipaddr.IPv4Fragment{DontFrag: dontFragment, MoreFrag: hdr.fragMoreFrag, Offset: hdr.fragOffset}
		fragOffsetAndFlags = frag.Encode()
	} else {
		id = t.ids.NextIPv4()
		frag := ipaddr.IPv4Fragment{DontFrag: dontFragment}
		fragOffsetAndFlags = frag.Encode()
	}

	buf := make([]byte, total)
	ipv4 := header.IPv4(buf)
	ipv4.Encode(&header.IPv4Fields{
		TOS:         hdr.tos,
		TotalLength: uint16(total),
		ID:          id,
		TTL:         hdr.hopLimit,
		Protocol:    hdr.carriedProto,
		SrcAddr:     tcpip.AddrFrom4(hdr.srcV4),
		DstAddr:     tcpip.AddrFrom4(hdr.dstV4),
	})
	buf[6] = byte(fragOffsetAndFlags >> 8)
	buf[7] = byte(fragOffsetAndFlags)
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	rest := buf[header.IPv4MinimumSize:]
	copy(rest, payload1)
	copy(rest[len(payload1):], payload2)

	return buf
}
