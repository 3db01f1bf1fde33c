// Package addrmap implements the translator's address-mapping policies:
// SIIT prefix-based mapping and the NAT64/CLAT variant that substitutes a
// single asymmetric translator-owned endpoint. The external delegate
// strategy lives in package extmap and satisfies the same Mapper
// interface. Grounded directly on the reference SIIT implementation's
// address-translation subroutines (t64_utils_xlat_addr.c); there is no
// ecosystem library for RFC 7915 address embeddability, so this is
// hand-rolled domain logic, the literal subject of the specification.
package addrmap

import (
	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
)

// Mapper translates addresses between address families for one of the
// four operations RFC 7915 needs: the outer ("main") packet in each
// direction, and the inner, ICMP-quoted packet in each direction. Inner
// translation never applies the router/unusable/private filters, so that
// debugging traffic carrying illegal embedded addresses still round-trips.
type Mapper interface {
	// MainToV6 translates a main packet's (src, dst) pair from IPv4 to
	// IPv6. ok is false if either address is not embeddable.
	MainToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, ok bool)

	// MainToV4 translates a main packet's (src, dst) pair from IPv6 to
	// IPv4. ok is false if either address does not carry the configured
	// prefix or is not embeddable.
	MainToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool)

	// InnerToV6 translates an ICMP-quoted inner packet's (src, dst) pair
	// from IPv4 to IPv6. Always succeeds: the prefix is simply prepended.
	InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte)

	// InnerToV4 translates an ICMP-quoted inner packet's (src, dst) pair
	// from IPv6 to IPv4. ok is false only if the address does not carry
	// the configured prefix.
	InnerToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool)
}

// New builds the Mapper appropriate for the resolved configuration's
// addressing mode. ModeExternal is not constructed here: its Mapper lives
// in package extmap, since it additionally requires a transport and
// per-worker caches.
func New(r *config.Resolved) Mapper {
	prefix := prefixBytes(r)
	switch r.Mode {
	case config.ModeNAT64, config.ModeCLAT:
		return &asymmetricMapper{
			prefix:       prefix,
			allowPrivate: r.AllowPrivate,
			routerV4:     r.RouterIPv4.As4(),
			routerV6:     r.RouterIPv6.As16(),
			translatorV4: r.TranslatorIPv4.As4(),
			translatorV6: r.TranslatorIPv6.As16(),
		}
	default: // ModeSIIT
		return &siitMapper{
			prefix:       prefix,
			allowPrivate: r.AllowPrivate,
			routerV4:     r.RouterIPv4.As4(),
			routerV6:     r.RouterIPv6.As16(),
		}
	}
}

func prefixBytes(r *config.Resolved) [12]byte {
	var p [12]byte
	full := r.Prefix.Addr().As16()
	copy(p[:], full[:12])
	return p
}

// embeddable reports whether a main-packet IPv4 address may be embedded
// into the translation prefix: it must not be the router's own address,
// must not be unusable, and (unless allowPrivate) must not be private.
func embeddable(addr [4]byte, router [4]byte, allowPrivate bool) bool {
	if addr == router {
		return false
	}
	if allowPrivate {
		return !ipaddr.IsIPv4Unusable(addr)
	}
	return !ipaddr.IsIPv4UnusableOrPrivate(addr)
}

// hasPrefix reports whether addr's upper 12 bytes equal prefix.
func hasPrefix(addr [16]byte, prefix [12]byte) bool {
	for i := 0; i < 12; i++ {
		if addr[i] != prefix[i] {
			return false
		}
	}
	return true
}

func embedIPv4(prefix [12]byte, v4 [4]byte) [16]byte {
	var out [16]byte
	copy(out[:12], prefix[:])
	copy(out[12:], v4[:])
	return out
}

func extractIPv4(addr [16]byte) [4]byte {
	var out [4]byte
	copy(out[:], addr[12:])
	return out
}

// -------------------------------------------------------------------------
// SIIT
// -------------------------------------------------------------------------

type siitMapper struct {
	prefix       [12]byte
	allowPrivate bool
	routerV4     [4]byte
	routerV6     [16]byte
}

func (m *siitMapper) MainToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, ok bool) {
	srcOut, ok = m.embedSingle(src)
	if !ok {
		return srcOut, dstOut, false
	}
	dstOut, ok = m.embedSingle(dst)
	if !ok {
		return srcOut, dstOut, false
	}
	return srcOut, dstOut, true
}

func (m *siitMapper) MainToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool) {
	srcOut, ok = m.extractSingle(src)
	if !ok {
		return srcOut, dstOut, false
	}
	dstOut, ok = m.extractSingle(dst)
	if !ok {
		return srcOut, dstOut, false
	}
	return srcOut, dstOut, true
}

// embedSingle embeds one main-packet IPv4 address into the prefix,
// applying the router/unusable/private filters.
func (m *siitMapper) embedSingle(addr [4]byte) ([16]byte, bool) {
	if !embeddable(addr, m.routerV4, m.allowPrivate) {
		return [16]byte{}, false
	}
	out := embedIPv4(m.prefix, addr)
	if out == m.routerV6 {
		return [16]byte{}, false
	}
	return out, true
}

// extractSingle extracts one main-packet IPv4 address from a
// prefix-embedded IPv6 address, applying the router/unusable/private
// filters.
func (m *siitMapper) extractSingle(addr [16]byte) ([4]byte, bool) {
	if addr == m.routerV6 || !hasPrefix(addr, m.prefix) {
		return [4]byte{}, false
	}
	out := extractIPv4(addr)
	if !embeddable(out, m.routerV4, m.allowPrivate) {
		return [4]byte{}, false
	}
	return out, true
}

func (m *siitMapper) InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte) {
	return embedIPv4(m.prefix, src), embedIPv4(m.prefix, dst)
}

func (m *siitMapper) InnerToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool) {
	if !hasPrefix(src, m.prefix) || !hasPrefix(dst, m.prefix) {
		return srcOut, dstOut, false
	}
	return extractIPv4(src), extractIPv4(dst), true
}

// -------------------------------------------------------------------------
// NAT64 / CLAT
// -------------------------------------------------------------------------

// asymmetricMapper implements both NAT64 and CLAT: the two modes share
// identical address-translation logic in the reference implementation and
// differ only in deployment role (network-operator gateway vs. on-device
// shim), which this package has no need to distinguish.
type asymmetricMapper struct {
	prefix       [12]byte
	allowPrivate bool
	routerV4     [4]byte
	routerV6     [16]byte
	translatorV4 [4]byte
	translatorV6 [16]byte
}

func (m *asymmetricMapper) MainToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, ok bool) {
	s := m.prefixOnly()

	srcOut, ok = m.endpoint4to6(src)
	if !ok {
		if srcOut, ok = s.embedSingle(src); !ok || srcOut == m.translatorV6 {
			return srcOut, dstOut, false
		}
	}
	dstOut, ok = m.endpoint4to6(dst)
	if !ok {
		if dstOut, ok = s.embedSingle(dst); !ok || dstOut == m.translatorV6 {
			return srcOut, dstOut, false
		}
	}
	return srcOut, dstOut, true
}

func (m *asymmetricMapper) MainToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool) {
	s := m.prefixOnly()

	srcOut, ok = m.endpoint6to4(src)
	if !ok {
		if srcOut, ok = s.extractSingle(src); !ok || srcOut == m.translatorV4 {
			return srcOut, dstOut, false
		}
	}
	dstOut, ok = m.endpoint6to4(dst)
	if !ok {
		if dstOut, ok = s.extractSingle(dst); !ok || dstOut == m.translatorV4 {
			return srcOut, dstOut, false
		}
	}
	return srcOut, dstOut, true
}

func (m *asymmetricMapper) InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte) {
	return embedIPv4(m.prefix, src), embedIPv4(m.prefix, dst)
}

func (m *asymmetricMapper) InnerToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool) {
	if !hasPrefix(src, m.prefix) || !hasPrefix(dst, m.prefix) {
		return srcOut, dstOut, false
	}
	return extractIPv4(src), extractIPv4(dst), true
}

// endpoint4to6 substitutes the translator's IPv6 address when addr equals
// the translator's own IPv4 address; this is the single asymmetric
// endpoint NAT64/CLAT adds on top of SIIT prefix mapping.
func (m *asymmetricMapper) endpoint4to6(addr [4]byte) ([16]byte, bool) {
	if addr == m.translatorV4 {
		return m.translatorV6, true
	}
	return [16]byte{}, false
}

func (m *asymmetricMapper) endpoint6to4(addr [16]byte) ([4]byte, bool) {
	if addr == m.translatorV6 {
		return m.translatorV4, true
	}
	return [4]byte{}, false
}

func (m *asymmetricMapper) prefixOnly() *siitMapper {
	return &siitMapper{
		prefix:       m.prefix,
		allowPrivate: m.allowPrivate,
		routerV4:     m.routerV4,
		routerV6:     m.routerV6,
	}
}
