package xlat46

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/mapper"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/xsum"
)

// rfc1191PlateauMTUs lists the well-known MTU plateau values in descending
// order, used to estimate a likely path MTU when a Fragmentation Needed
// message carries a zero next-hop MTU (an old router following RFC 1191's
// predecessor, RFC 1063).
var rfc1191PlateauMTUs = []uint16{65535, 32000, 17914, 8166, 4352, 2002, 1492, 1006, 508, 296, 68}

const rfc1191DefaultPlateauMTU = 68

// icmpMessageCeiling is the maximum combined size (ICMPv6 header + embedded
// packet-in-error) a translated message may reach, leaving room for the
// 40-byte outer IPv6 header under the 1280-byte minimum IPv6 MTU.
const icmpMessageCeiling = 1240

// translateICMPv4ToICMPv6 translates an ICMPv4 message (payload, including
// its 8-byte header) into a complete ICMPv6 message, checksummed against
// the already-translated outer IPv6 addresses. Grounded on
// t64_xlat_4to6_icmp.c.
func translateICMPv4ToICMPv6(payload []byte, outSrc, outDst [16]byte, m mapper.Mapper, cfg *config.Resolved) ([]byte, bool) {
	if len(payload) < 8 {
		return nil, false
	}

	newType, newCode, ok := translateICMPTypeAndCode(payload[0], payload[1])
	if !ok {
		return nil, false
	}

	message := make([]byte, 8)
	message[0], message[1] = newType, newCode

	restOfHeader, ok := translateRestOfHeader(payload[0], payload[1], payload[4:8], payload[8:], cfg)
	if !ok {
		return nil, false
	}
	copy(message[4:8], restOfHeader)

	var end []byte
	if payload[0] == 0 || payload[0] == 8 { // Echo Reply, Echo Request
		end = payload[8:]
	} else {
		embedded, embeddedPayload, carriedProto, isFragment, ok := translateEmbeddedIPv4Header(payload[8:], m)
		if !ok {
			return nil, false
		}
		message = append(message, embedded...)

		if carriedProto == 58 {
			if isFragment || len(embeddedPayload) < 8 {
				return nil, false
			}
			innerType, innerCode := embeddedPayload[0], embeddedPayload[1]
			if innerCode != 0 {
				return nil, false
			}
			switch innerType {
			case 0:
				innerType = 129
			case 8:
				innerType = 128
			default:
				return nil, false
			}
			inner := make([]byte, 8)
			copy(inner, embeddedPayload[:8])
			inner[0] = innerType
			message = append(message, inner...)
			end = embeddedPayload[8:]
		} else {
			end = embeddedPayload
		}

		if max := icmpMessageCeiling - len(message); len(end) > max {
			end = end[:max]
		}
	}

	message = append(message, end...)

	cksum := xsum.TransportChecksumIPv6(header.ICMPv6ProtocolNumber, tcpip.AddrFrom16(outSrc), tcpip.AddrFrom16(outDst), message)
	binary.BigEndian.PutUint16(message[2:4], cksum)

	return message, true
}

func translateICMPTypeAndCode(oldType, oldCode uint8) (newType, newCode uint8, ok bool) {
	switch oldType {
	case 8: // Echo Request
		if oldCode != 0 {
			return 0, 0, false
		}
		return 128, 0, true
	case 0: // Echo Reply
		if oldCode != 0 {
			return 0, 0, false
		}
		return 129, 0, true
	case 3: // Destination Unreachable
		switch oldCode {
		case 0, 1, 5, 6, 7, 8, 11, 12:
			return 1, 0, true
		case 9, 10, 13, 15:
			return 1, 1, true
		case 2:
			return 4, 1, true
		case 3:
			return 1, 4, true
		case 4:
			return 2, 0, true
		default:
			return 0, 0, false
		}
	case 11: // Time Exceeded
		if oldCode != 0 && oldCode != 1 {
			return 0, 0, false
		}
		return 3, oldCode, true
	case 12: // Parameter Problem
		if oldCode != 0 && oldCode != 2 {
			return 0, 0, false
		}
		return 4, 0, true
	default:
		return 0, 0, false
	}
}

func translateRestOfHeader(oldType, oldCode uint8, oldRest, oldPayload []byte, cfg *config.Resolved) ([]byte, bool) {
	newRest := make([]byte, 4)

	if oldType == 0 || oldType == 8 { // Echo Reply, Echo Request
		copy(newRest, oldRest)
		return newRest, true
	}

	if oldType == 3 {
		if oldCode == 2 { // Protocol Unreachable
			if oldRest[0] != 0 || oldRest[1] != 0 || oldRest[2] != 0 || oldRest[3] != 0 {
				return nil, false
			}
			newRest[3] = 6 // pointer to the Next Header field
			return newRest, true
		}
		if oldCode == 4 { // Fragmentation Needed and DF was Set
			if oldRest[0] != 0 || oldRest[1] != 0 {
				return nil, false
			}
			oldMTU := binary.BigEndian.Uint16(oldRest[2:4])
			newMTU := recalculatePacketTooBigMTU(oldPayload, oldMTU, cfg)
			binary.BigEndian.PutUint16(newRest[2:4], newMTU)
			return newRest, true
		}
		// Every other Destination Unreachable code falls through to the
		// generic all-zero check below.
	}

	if oldType == 12 { // Parameter Problem
		if oldRest[1] != 0 || oldRest[2] != 0 || oldRest[3] != 0 {
			return nil, false
		}
		newPointer, ok := translateParameterProblemPointer(oldRest[0])
		if !ok {
			return nil, false
		}
		newRest[3] = newPointer
		return newRest, true
	}

	for _, b := range oldRest {
		if b != 0 {
			return nil, false
		}
	}
	return newRest, true
}

func recalculatePacketTooBigMTU(oldPayload []byte, mtu uint16, cfg *config.Resolved) uint16 {
	if mtu == 0 {
		mtu = estimateLikelyMTU(oldPayload)
	}

	if mtu > 65515 {
		mtu = 65515
	}
	if v := mtu + 20; v < uint16(cfg.OutboundMTU6) {
		mtu = v
	} else {
		mtu = uint16(cfg.OutboundMTU6)
	}
	if v := uint16(cfg.OutboundMTU4) + 20; mtu > v {
		mtu = v
	}
	if mtu < 1280 {
		mtu = 1280
	}
	return mtu
}

func estimateLikelyMTU(packetInError []byte) uint16 {
	if len(packetInError) < 20 {
		return rfc1191DefaultPlateauMTU
	}
	totalLength := binary.BigEndian.Uint16(packetInError[2:4])
	for _, plateau := range rfc1191PlateauMTUs {
		if plateau < totalLength {
			return plateau
		}
	}
	return rfc1191DefaultPlateauMTU
}

func translateParameterProblemPointer(oldPointer uint8) (uint8, bool) {
	switch oldPointer {
	case 0, 1:
		return oldPointer, true
	case 2, 3:
		return 4, true
	case 8:
		return 7, true
	case 9:
		return 6, true
	case 12, 13, 14, 15:
		return 8, true
	case 16, 17, 18, 19:
		return 24, true
	default:
		return 0, false
	}
}

// translateEmbeddedIPv4Header translates the IPv4 header of the packet
// carried inside an ICMPv4 error message into a 40- or 48-byte IPv6 (plus
// optional fragment) header, returning the embedded payload, its carried
// protocol (IPv6 next-header numbering), and whether it was a fragment.
func translateEmbeddedIPv4Header(in []byte, m mapper.Mapper) (out, payload []byte, carriedProto uint8, isFragment bool, ok bool) {
	if len(in) < 20 {
		return nil, nil, 0, false, false
	}
	if in[0]>>4 != 4 {
		return nil, nil, 0, false, false
	}
	ihl := int(in[0]&0x0f) * 4
	if ihl < 20 || ihl > len(in) {
		return nil, nil, 0, false, false
	}

	proto := in[9]
	carriedProto = proto
	if proto == 1 {
		carriedProto = 58
	}

	var srcV4, dstV4 [4]byte
	copy(srcV4[:], in[12:16])
	copy(dstV4[:], in[16:20])
	srcV6, dstV6 := m.InnerToV6(srcV4, dstV4)

	totalLength := binary.BigEndian.Uint16(in[2:4])
	payloadLength := totalLength - uint16(ihl)

	fragWord := binary.BigEndian.Uint16(in[6:8])
	frag := ipaddr.DecodeIPv4Fragment(fragWord)

	buf := make([]byte, 40)
	ipv6 := header.IPv6(buf)
	tos := in[1]
	nextHeader := tcpip.TransportProtocolNumber(carriedProto)
	isFragment = frag.IsFragmented()
	if isFragment {
		nextHeader = 44
	}
	ipv6.Encode(&header.IPv6Fields{
		TrafficClass:      tos,
		PayloadLength:     payloadLength,
		TransportProtocol: nextHeader,
		HopLimit:          in[8],
		SrcAddr:           tcpip.AddrFrom16(srcV6),
		DstAddr:           tcpip.AddrFrom16(dstV6),
	})

	if isFragment {
		fragBuf := make([]byte, 8)
		encodeFragmentHeader(fragBuf, carriedProto, frag.Offset, frag.MoreFrag, uint32(binary.BigEndian.Uint16(in[4:6])))
		buf = append(buf, fragBuf...)
	}

	return buf, in[ihl:], carriedProto, isFragment, true
}
