// Package mapper unifies the two address-mapping backends — the local
// addrmap.Mapper strategies and the extmap.Client delegate — behind one
// interface the translators depend on. The local strategies never signal
// an ICMP-unreachable condition; only the external mapper's explicit
// "ICMP-error-response" does, so the interface plumbs that third outcome
// through uniformly rather than forcing extmap.Client to pretend to be a
// boolean-only addrmap.Mapper.
package mapper

import (
	"github.com/vitlabuda/tundra-nat64-sub000/internal/addrmap"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/extmap"
)

// Mapper is the address-mapping interface the translators use. ok is
// false on an ordinary silent-drop condition. icmpUnreachable is true
// only when a main-packet request should trigger the internal router's
// host/address-unreachable message instead of a silent drop; it is only
// ever true together with ok == false.
type Mapper interface {
	MainToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, ok, icmpUnreachable bool)
	InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte)
	MainToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok, icmpUnreachable bool)
	InnerToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool)
}

// New builds the Mapper appropriate for the resolved configuration's
// addressing mode, owning a fresh extmap.Client per worker when
// ModeExternal is configured.
func New(r *config.Resolved) Mapper {
	if r.Mode == config.ModeExternal {
		return &externalAdapter{client: extmap.NewClient(r)}
	}
	return &localAdapter{m: addrmap.New(r)}
}

// localAdapter wraps addrmap.Mapper, which never produces an ICMP signal.
type localAdapter struct {
	m addrmap.Mapper
}

func (a *localAdapter) MainToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, ok, icmpUnreachable bool) {
	srcOut, dstOut, ok = a.m.MainToV6(src, dst)
	return srcOut, dstOut, ok, false
}

func (a *localAdapter) InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte) {
	return a.m.InnerToV6(src, dst)
}

func (a *localAdapter) MainToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok, icmpUnreachable bool) {
	srcOut, dstOut, ok = a.m.MainToV4(src, dst)
	return srcOut, dstOut, ok, false
}

func (a *localAdapter) InnerToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool) {
	return a.m.InnerToV4(src, dst)
}

// externalAdapter wraps extmap.Client, translating its error-based
// signaling into the Mapper interface's three-way outcome.
type externalAdapter struct {
	client *extmap.Client
}

func (a *externalAdapter) MainToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, ok, icmpUnreachable bool) {
	srcOut, dstOut, err := a.client.MainToV6(src, dst)
	if err == nil {
		return srcOut, dstOut, true, false
	}
	return srcOut, dstOut, false, err == extmap.ErrMainUnreachable4to6
}

func (a *externalAdapter) InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte) {
	srcOut, dstOut, _ = a.client.InnerToV6(src, dst)
	return srcOut, dstOut
}

func (a *externalAdapter) MainToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok, icmpUnreachable bool) {
	srcOut, dstOut, err := a.client.MainToV4(src, dst)
	if err == nil {
		return srcOut, dstOut, true, false
	}
	return srcOut, dstOut, false, err == extmap.ErrMainUnreachable6to4
}

func (a *externalAdapter) InnerToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, ok bool) {
	srcOut, dstOut, err := a.client.InnerToV4(src, dst)
	return srcOut, dstOut, err == nil
}
