package xlat64

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/mapper"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/xsum"
)

// icmpv4MessageCeiling bounds a translated ICMPv4 error message to 576
// bytes total (RFC 1812's minimum-reassembly guidance), including the
// 20-byte IPv4 header that is added once the message is handed to send.
const icmpv4MessageCeiling = 556

// translateICMPv6ToICMPv4 translates an ICMPv6 message (payload, including
// its 8-byte header) into a complete ICMPv4 message with its checksum
// filled in. Grounded on t64_xlat_6to4_icmp.c.
func translateICMPv6ToICMPv4(payload []byte, m mapper.Mapper, cfg *config.Resolved, ids *ipaddr.IDGenerator) ([]byte, bool) {
	if len(payload) < 8 {
		return nil, false
	}

	newType, newCode, ok := translateICMPTypeAndCode(payload[0], payload[1])
	if !ok {
		return nil, false
	}

	message := make([]byte, 8)
	message[0], message[1] = newType, newCode

	restOfHeader, ok := translateRestOfHeader(payload[0], payload[1], payload[4:8], cfg)
	if !ok {
		return nil, false
	}
	copy(message[4:8], restOfHeader)

	var end []byte
	if payload[0] == 128 || payload[0] == 129 { // Echo Request, Echo Reply
		end = payload[8:]
	} else {
		embedded, embeddedPayload, carriedProto, isFragment, ok := translateEmbeddedIPv6Header(payload[8:], m, ids, payload[0] == 2)
		if !ok {
			return nil, false
		}
		message = append(message, embedded...)

		if carriedProto == 1 { // ICMPv4
			if isFragment || len(embeddedPayload) < 8 {
				return nil, false
			}
			innerType, innerCode := embeddedPayload[0], embeddedPayload[1]
			if innerCode != 0 {
				return nil, false
			}
			switch innerType {
			case 128:
				innerType = 8
			case 129:
				innerType = 0
			default:
				return nil, false
			}
			inner := make([]byte, 4)
			copy(inner, embeddedPayload[:4])
			inner[0] = innerType
			message = append(message, inner...)
			end = embeddedPayload[4:]
		} else if len(embeddedPayload) >= 4 {
			message = append(message, embeddedPayload[:4]...)
			end = embeddedPayload[4:]
		} else {
			message = append(message, embeddedPayload...)
			end = nil
		}

		if max := icmpv4MessageCeiling - len(message); len(end) > max {
			end = end[:max]
		}
	}

	message = append(message, end...)

	cksum := xsum.ICMPChecksum(message)
	binary.BigEndian.PutUint16(message[2:4], cksum)

	return message, true
}

func translateICMPTypeAndCode(oldType, oldCode uint8) (newType, newCode uint8, ok bool) {
	switch oldType {
	case 128: // Echo Request
		if oldCode != 0 {
			return 0, 0, false
		}
		return 8, 0, true
	case 129: // Echo Reply
		if oldCode != 0 {
			return 0, 0, false
		}
		return 0, 0, true
	case 1: // Destination Unreachable
		switch oldCode {
		case 0, 2, 3:
			return 3, 1, true
		case 1:
			return 3, 10, true
		case 4:
			return 3, 3, true
		default:
			return 0, 0, false
		}
	case 2: // Packet Too Big
		if oldCode != 0 {
			return 0, 0, false
		}
		return 3, 4, true
	case 3: // Time Exceeded
		if oldCode != 0 && oldCode != 1 {
			return 0, 0, false
		}
		return 11, oldCode, true
	case 4: // Parameter Problem
		switch oldCode {
		case 0:
			return 12, 0, true
		case 1:
			return 3, 2, true
		default:
			return 0, 0, false
		}
	default:
		return 0, 0, false
	}
}

func translateRestOfHeader(oldType, oldCode uint8, oldRest []byte, cfg *config.Resolved) ([]byte, bool) {
	newRest := make([]byte, 4)

	if oldType == 128 || oldType == 129 { // Echo Request, Echo Reply
		copy(newRest, oldRest)
		return newRest, true
	}

	if oldType == 2 { // Packet Too Big
		if oldRest[0] != 0 || oldRest[1] != 0 {
			return nil, false
		}
		oldMTU := binary.BigEndian.Uint16(oldRest[2:4])
		newMTU := recalculatePacketTooBigMTU(oldMTU, cfg)
		binary.BigEndian.PutUint16(newRest[2:4], newMTU)
		return newRest, true
	}

	if oldType == 4 { // Parameter Problem
		if oldCode == 0 { // Erroneous header field encountered
			if oldRest[0] != 0 || oldRest[1] != 0 || oldRest[2] != 0 {
				return nil, false
			}
			newPointer, ok := translateParameterProblemPointer(oldRest[3])
			if !ok {
				return nil, false
			}
			newRest[0] = newPointer
			return newRest, true
		}
		// Unrecognized Next Header type encountered: the old pointer is not
		// validated, matching the reference translator.
		return newRest, true
	}

	for _, b := range oldRest {
		if b != 0 {
			return nil, false
		}
	}
	return newRest, true
}

// recalculatePacketTooBigMTU mirrors the reference translator's clamping:
// both the argument and result are already in host order here, since Go
// decodes the wire value with binary.BigEndian at the call site.
func recalculatePacketTooBigMTU(mtu uint16, cfg *config.Resolved) uint16 {
	if mtu < 20 {
		mtu = 20
	}
	mtu -= 20
	if v := uint16(cfg.OutboundMTU4); mtu > v {
		mtu = v
	}
	if v := uint16(cfg.OutboundMTU6) - 20; mtu > v {
		mtu = v
	}
	if mtu < 68 {
		mtu = 68
	}
	return mtu
}

func translateParameterProblemPointer(oldPointer uint8) (uint8, bool) {
	switch {
	case oldPointer == 0 || oldPointer == 1:
		return oldPointer, true
	case oldPointer == 4 || oldPointer == 5:
		return 2, true
	case oldPointer == 6:
		return 9, true
	case oldPointer == 7:
		return 8, true
	case oldPointer >= 8 && oldPointer <= 23:
		return 12, true
	case oldPointer >= 24 && oldPointer <= 39:
		return 16, true
	default:
		return 0, false
	}
}

// translateEmbeddedIPv6Header translates the IPv6 header chain of the
// packet carried inside an ICMPv6 error message into a 20-byte IPv4
// header, returning the embedded payload, its carried protocol (IPv4
// protocol numbering), and whether it was a fragment. dontFragment is set
// on the synthesized header only for a Packet Too Big message, matching
// RFC 7915's requirement that such quoted packets assert DF.
func translateEmbeddedIPv6Header(in []byte, m mapper.Mapper, ids *ipaddr.IDGenerator, dontFragment bool) (out, payload []byte, carriedProto uint8, isFragment bool, ok bool) {
	if len(in) < 40 {
		return nil, nil, 0, false, false
	}
	if in[0]>>4 != 6 {
		return nil, nil, 0, false, false
	}

	current := in[40:]
	currentHeaderNumber := in[6]
	var fragHdr []byte

	for fragHdr == nil && (currentHeaderNumber == 0 || currentHeaderNumber == 43 || currentHeaderNumber == 44 || currentHeaderNumber == 60) {
		if len(current) < 8 {
			return nil, nil, 0, false, false
		}
		if currentHeaderNumber == 44 {
			fragHdr = current[:8]
		}
		currentHeaderNumber = current[0]
		headerSize := 8 + int(current[1])*8
		if headerSize > len(current) {
			return nil, nil, 0, false, false
		}
		current = current[headerSize:]
	}

	proto := currentHeaderNumber
	carriedProto = proto
	if proto == 58 {
		carriedProto = 1
	}

	var srcV6, dstV6 [16]byte
	copy(srcV6[:], in[8:24])
	copy(dstV6[:], in[24:40])
	srcV4, dstV4, ok := m.InnerToV4(srcV6, dstV6)
	if !ok {
		return nil, nil, 0, false, false
	}

	payloadLength := binary.BigEndian.Uint16(in[4:6])

	buf := make([]byte, header.IPv4MinimumSize)
	ipv4 := header.IPv4(buf)
	var id uint16
	var fragOffsetAndFlags uint16
	if fragHdr != nil {
		isFragment = true
		id = uint16(binary.BigEndian.Uint32(fragHdr[4:8]))
		frag := ipaddr.DecodeIPv6Fragment(binary.BigEndian.Uint16(fragHdr[2:4]))
		fragOffsetAndFlags = ipaddr.IPv4Fragment{DontFrag: dontFragment, MoreFrag: frag.MoreFrag, Offset: frag.Offset}.Encode()
	} else {
		id = ids.NextIPv4()
		fragOffsetAndFlags = ipaddr.IPv4Fragment{DontFrag: dontFragment}.Encode()
	}

	ipv4.Encode(&header.IPv4Fields{
		TOS:         (in[0] << 4) | (in[1] >> 4),
		TotalLength: payloadLength + header.IPv4MinimumSize,
		ID:          id,
		TTL:         in[7],
		Protocol:    carriedProto,
		SrcAddr:     tcpip.AddrFrom4(srcV4),
		DstAddr:     tcpip.AddrFrom4(dstV4),
	})
	buf[6] = byte(fragOffsetAndFlags >> 8)
	buf[7] = byte(fragOffsetAndFlags)
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	return buf, current, carriedProto, isFragment, true
}
