package commands

import (
	"fmt"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
)

// checkInvariants re-asserts a handful of invariants that config.Resolve
// is already supposed to guarantee. A failure here means Resolve's own
// validation has a bug, not that the input was bad — the reference
// implementation's analogous check (a compile-time static assert over
// its struct layout) has no direct Go equivalent, so this is its nearest
// runtime counterpart: a last line of defense before any FD is opened.
func checkInvariants(r *config.Resolved) error {
	if r.Workers < 1 || r.Workers > 256 {
		return fmt.Errorf("invariant violated: resolved worker count %d out of [1, 256]", r.Workers)
	}
	if r.Prefix.IsValid() && r.Prefix.Bits() != 96 {
		return fmt.Errorf("invariant violated: resolved prefix %s is not a /96", r.Prefix)
	}
	if r.RouterTTL < 64 {
		return fmt.Errorf("invariant violated: resolved router TTL %d below minimum 64", r.RouterTTL)
	}
	return nil
}
