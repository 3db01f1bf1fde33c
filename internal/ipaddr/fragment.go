package ipaddr

// IPv4Fragment holds the decoded contents of an IPv4 header's
// fragmentation word (the reserved bit, DF, MF, and the 13-bit offset in
// 8-byte units).
type IPv4Fragment struct {
	Reserved bool
	DontFrag bool
	MoreFrag bool
	Offset   uint16 // in 8-byte units, 13 bits
}

// DecodeIPv4Fragment unpacks a raw IPv4 fragmentation word (the 16 bits
// following the identification field).
func DecodeIPv4Fragment(word uint16) IPv4Fragment {
	return IPv4Fragment{
		Reserved: word&0x8000 != 0,
		DontFrag: word&0x4000 != 0,
		MoreFrag: word&0x2000 != 0,
		Offset:   word & 0x1fff,
	}
}

// Encode packs f back into a raw IPv4 fragmentation word. The reserved bit
// is always emitted as zero.
func (f IPv4Fragment) Encode() uint16 {
	var word uint16
	if f.DontFrag {
		word |= 0x4000
	}
	if f.MoreFrag {
		word |= 0x2000
	}
	word |= f.Offset & 0x1fff
	return word
}

// IsFragmented reports whether the fragment word describes a packet that
// is part of a fragmented datagram (non-zero offset, or MF set).
func (f IPv4Fragment) IsFragmented() bool {
	return f.Offset != 0 || f.MoreFrag
}

// IPv6Fragment holds the decoded contents of an IPv6 Fragment extension
// header's offset-and-flags field.
type IPv6Fragment struct {
	Offset   uint16 // in 8-byte units, 13 bits
	Reserved uint8  // 2 bits, must be zero to accept the packet
	MoreFrag bool
}

// DecodeIPv6Fragment unpacks a raw IPv6 Fragment header offset-and-flags
// word.
func DecodeIPv6Fragment(word uint16) IPv6Fragment {
	return IPv6Fragment{
		Offset:   word >> 3,
		Reserved: uint8((word >> 1) & 0x3),
		MoreFrag: word&0x1 != 0,
	}
}

// Encode packs f back into a raw IPv6 Fragment header offset-and-flags
// word. The reserved bits are always emitted as zero.
func (f IPv6Fragment) Encode() uint16 {
	word := f.Offset << 3
	if f.MoreFrag {
		word |= 0x1
	}
	return word
}
