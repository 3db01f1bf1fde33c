// Package xsum implements the RFC 1071 one's-complement checksum
// arithmetic the translation pipeline needs: IPv4 header checksums, full
// transport checksums over a synthesized pseudo-header, and the
// incremental 4<->6 rewrite used when a TCP or UDP payload crosses
// address families unchanged. Built on gvisor's checksum primitives, the
// same ones exercised by a real tun.Device implementation that builds
// IPv4/IPv6/UDP headers with the identical header/checksum package pair.
package xsum

import (
	"math"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ForceNonZero returns 0xFFFF in place of a zero checksum. IPv6 forbids a
// transport checksum of zero (RFC 2460 §8.1). The translators do not call
// it: xlat46 makes the same substitution on UDP checksums inline.
func ForceNonZero(sum uint16) uint16 {
	if sum == 0 {
		return math.MaxUint16
	}
	return sum
}

// IPv4HeaderChecksum computes the standard IPv4 header checksum over hdr,
// which must be exactly IHL*4 bytes long with the checksum field either
// zeroed (to compute a new checksum) or populated (to verify: the result
// is 0 iff the header validates).
func IPv4HeaderChecksum(hdr []byte) uint16 {
	return ^checksum.Checksum(hdr, 0)
}

// TransportChecksumIPv4 computes the full RFC 1071 checksum of a
// transport-layer message carried in an IPv4 packet: the IPv4 pseudo
// header, the transport header, and the payload. protocol is the IPv4
// protocol number (e.g. header.TCPProtocolNumber, header.UDPProtocolNumber,
// header.ICMPv4ProtocolNumber).
func TransportChecksumIPv4(protocol tcpip.TransportProtocolNumber, src, dst tcpip.Address, transportHeaderAndPayload []byte) uint16 {
	pseudo := header.PseudoHeaderChecksum(protocol, src, dst, uint16(len(transportHeaderAndPayload)))
	return ^checksum.Combine(pseudo, checksum.Checksum(transportHeaderAndPayload, 0))
}

// TransportChecksumIPv6 computes the full RFC 1071 checksum of a
// transport-layer message carried in an IPv6 packet, including the IPv6
// pseudo header (which, unlike IPv4's, always carries the transport
// protocol, not the next-header chain value of any intervening extension
// headers).
func TransportChecksumIPv6(protocol tcpip.TransportProtocolNumber, src, dst tcpip.Address, transportHeaderAndPayload []byte) uint16 {
	pseudo := header.PseudoHeaderChecksum(protocol, src, dst, uint16(len(transportHeaderAndPayload)))
	return ^checksum.Combine(pseudo, checksum.Checksum(transportHeaderAndPayload, 0))
}

// ICMPChecksum computes a checksum over an ICMPv4 message, which carries
// no pseudo header.
func ICMPChecksum(messageAndPayload []byte) uint16 {
	return ^checksum.Checksum(messageAndPayload, 0)
}

// RewriteAddrs4to6 incrementally recalculates a TCP or UDP checksum that
// was computed over an IPv4 pseudo header so that it is valid over the
// corresponding IPv6 pseudo header, without touching the payload. This is
// legal only when the length/protocol/zero fields of the two pseudo
// headers sum identically, which holds whenever the payload itself is
// unchanged (RFC 7915 §4.1): addition is commutative, and the high two
// bytes of the IPv6 length field are zero for any payload the translator
// handles.
func RewriteAddrs4to6(oldChecksum uint16, oldSrc, oldDst tcpip.Address, newSrc, newDst tcpip.Address) uint16 {
	oldSum := pack32(uint32(sumAddr(oldSrc)) + uint32(sumAddr(oldDst)))
	newSum := pack32(uint32(sumAddr(newSrc)) + uint32(sumAddr(newDst)))
	return rewrite(oldChecksum, oldSum, newSum)
}

// RewriteAddrs6to4 is the inverse of RewriteAddrs4to6.
func RewriteAddrs6to4(oldChecksum uint16, oldSrc, oldDst tcpip.Address, newSrc, newDst tcpip.Address) uint16 {
	oldSum := pack32(uint32(sumAddr(oldSrc)) + uint32(sumAddr(oldDst)))
	newSum := pack32(uint32(sumAddr(newSrc)) + uint32(sumAddr(newDst)))
	return rewrite(oldChecksum, oldSum, newSum)
}

func rewrite(oldChecksum uint16, oldAddrSum, newAddrSum uint16) uint16 {
	// oldChecksum must be complemented at 32-bit width, not 16-bit: widening
	// a 16-bit complement by zero-extension loses the borrow that the
	// following subtraction needs to reach the correct one's-complement
	// result after folding.
	withoutOld := pack32(^uint32(oldChecksum) - uint32(oldAddrSum))
	return ^pack32(uint32(withoutOld) + uint32(newAddrSum))
}

func sumAddr(addr tcpip.Address) uint16 {
	return checksum.Checksum(addr.AsSlice(), 0)
}

func pack32(sum uint32) uint16 {
	for sum > math.MaxUint16 {
		sum = (sum & math.MaxUint16) + (sum >> 16)
	}
	return uint16(sum)
}
