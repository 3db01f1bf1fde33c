package ipaddr_test

import (
	"testing"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
)

func TestIPv4FragmentRoundTrip(t *testing.T) {
	t.Parallel()

	f := ipaddr.IPv4Fragment{DontFrag: true, MoreFrag: false, Offset: 0}
	if got := ipaddr.DecodeIPv4Fragment(f.Encode()); got != f {
		t.Errorf("round trip = %+v, want %+v", got, f)
	}

	f2 := ipaddr.IPv4Fragment{MoreFrag: true, Offset: 185}
	decoded := ipaddr.DecodeIPv4Fragment(f2.Encode())
	if decoded.MoreFrag != f2.MoreFrag || decoded.Offset != f2.Offset {
		t.Errorf("round trip = %+v, want %+v", decoded, f2)
	}
	if decoded.IsFragmented() != true {
		t.Error("IsFragmented() should be true when MF is set")
	}
}

func TestIPv4FragmentReservedBitDecoded(t *testing.T) {
	t.Parallel()

	f := ipaddr.DecodeIPv4Fragment(0x8000)
	if !f.Reserved {
		t.Error("expected Reserved bit set")
	}
}

func TestIPv6FragmentRoundTrip(t *testing.T) {
	t.Parallel()

	f := ipaddr.IPv6Fragment{Offset: 23, MoreFrag: true}
	word := f.Encode()
	decoded := ipaddr.DecodeIPv6Fragment(word)

	if decoded.Offset != f.Offset || decoded.MoreFrag != f.MoreFrag || decoded.Reserved != 0 {
		t.Errorf("round trip = %+v, want %+v", decoded, f)
	}
}

func TestIPv6FragmentRejectsNonZeroReserved(t *testing.T) {
	t.Parallel()

	// Reserved bits occupy bits 1-2 of the word.
	decoded := ipaddr.DecodeIPv6Fragment(0x0006)
	if decoded.Reserved == 0 {
		t.Error("expected non-zero reserved bits to decode as non-zero")
	}
}
