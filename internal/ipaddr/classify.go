// Package ipaddr implements the address-classification and fragment-field
// rules the translator's address mapper and the two directional
// translators both depend on: which IPv4/IPv6 addresses are unusable or
// private, which IP protocol numbers are forbidden from crossing address
// families, IPv4/IPv6 fragment-field packing, and the per-worker fragment
// identifier generators. Grounded on the reference SIIT implementation's
// address-classification and bit-layout tables; there is no ecosystem
// library for NAT64/CLAT-specific address-embeddability rules, so this is
// hand-rolled domain logic rather than an ambient concern.
package ipaddr

// IsIPv4Unusable reports whether addr falls in a block that must never be
// carried across the translator: 0.0.0.0/8, 127.0.0.0/8, 224.0.0.0/4
// (multicast), or the limited broadcast address 255.255.255.255.
func IsIPv4Unusable(addr [4]byte) bool {
	switch {
	case addr[0] == 0:
		return true
	case addr[0] == 127:
		return true
	case addr[0] >= 224 && addr[0] <= 239:
		return true
	case addr == [4]byte{255, 255, 255, 255}:
		return true
	default:
		return false
	}
}

// IsIPv4Private reports whether addr falls in a reserved, documentation,
// benchmarking, CGNAT, or RFC 1918 private block. Also true for every
// unusable address (0.0.0.0/8 and 127.0.0.0/8 have their own cases;
// multicast and the broadcast address fall in the ">= 224" branch) and
// for the 240.0.0.0/4 reserved block, which that branch also covers.
func IsIPv4Private(addr [4]byte) bool {
	switch {
	case addr[0] == 0: // 0.0.0.0/8
		return true
	case addr[0] == 10: // 10.0.0.0/8
		return true
	case addr[0] == 100 && addr[1] >= 64 && addr[1] <= 127: // 100.64.0.0/10 (CGNAT)
		return true
	case addr[0] == 127: // 127.0.0.0/8
		return true
	case addr[0] == 169 && addr[1] == 254: // 169.254.0.0/16
		return true
	case addr[0] == 172 && addr[1] >= 16 && addr[1] <= 31: // 172.16.0.0/12
		return true
	case addr[0] == 192 && addr[1] == 0 && addr[2] == 0: // 192.0.0.0/24
		return true
	case addr[0] == 192 && addr[1] == 0 && addr[2] == 2: // 192.0.2.0/24 (TEST-NET-1)
		return true
	case addr[0] == 192 && addr[1] == 88 && addr[2] == 99: // 192.88.99.0/24 (6to4 relay anycast)
		return true
	case addr[0] == 192 && addr[1] == 168: // 192.168.0.0/16
		return true
	case addr[0] == 198 && (addr[1] == 18 || addr[1] == 19): // 198.18.0.0/15 (benchmarking)
		return true
	case addr[0] == 198 && addr[1] == 51 && addr[2] == 100: // 198.51.100.0/24 (TEST-NET-2)
		return true
	case addr[0] == 203 && addr[1] == 0 && addr[2] == 113: // 203.0.113.0/24 (TEST-NET-3)
		return true
	case addr[0] >= 224: // 224.0.0.0/4 and 240.0.0.0/4, including the broadcast address
		return true
	default:
		return false
	}
}

// IsIPv4UnusableOrPrivate reports whether addr is unusable or private.
// Used for the "main packet" embeddability check; the inner, ICMP-quoted
// packet path skips this entirely to allow debugging of packets carrying
// illegal addresses.
func IsIPv4UnusableOrPrivate(addr [4]byte) bool {
	return IsIPv4Unusable(addr) || IsIPv4Private(addr)
}

// IsIPv6Unusable reports whether addr is the unspecified address, the
// loopback address, or falls within ff00::/8 (multicast).
func IsIPv6Unusable(addr [16]byte) bool {
	if addr[0] == 0xff {
		return true
	}
	if addr == ([16]byte{}) {
		return true
	}
	loopback := [16]byte{}
	loopback[15] = 1
	return addr == loopback
}

// forbiddenProtocols is the set of IP protocol numbers that must never
// appear on either side of the translator. ESP (50) is deliberately
// allowed through unmodified.
var forbiddenProtocols = map[uint8]bool{
	0:   true, // IPv6 Hop-by-Hop Options
	2:   true, // IGMP
	43:  true, // Routing Header for IPv6
	44:  true, // Fragment Header for IPv6
	51:  true, // Authentication Header
	60:  true, // Destination Options for IPv6
	135: true, // Mobility Header
	139: true, // Host Identity Protocol
	140: true, // Shim6 Protocol
}

// IsProtocolForbidden reports whether proto may never cross the
// translator. ICMPv4 (1) and ICMPv6 (58) are validated separately by each
// directional translator, since which one is forbidden depends on which
// address family the packet arrived on.
func IsProtocolForbidden(proto uint8) bool {
	return forbiddenProtocols[proto]
}
