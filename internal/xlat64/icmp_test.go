package xlat64

import (
	"testing"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
)

func TestTranslateICMPTypeAndCodeEchoRequest(t *testing.T) {
	newType, newCode, ok := translateICMPTypeAndCode(128, 0)
	if !ok || newType != 8 || newCode != 0 {
		t.Errorf("got (%d, %d, %v), want (8, 0, true)", newType, newCode, ok)
	}
}

func TestTranslateICMPTypeAndCodeRejectsNeighborDiscovery(t *testing.T) {
	if _, _, ok := translateICMPTypeAndCode(135, 0); ok {
		t.Error("expected Neighbor Solicitation to be rejected")
	}
}

func TestTranslateICMPTypeAndCodeDestinationUnreachable(t *testing.T) {
	cases := []struct {
		oldCode uint8
		newCode uint8
		wantOK  bool
	}{
		{0, 1, true},
		{1, 10, true},
		{2, 1, true},
		{3, 1, true},
		{4, 3, true},
		{5, 0, false},
	}
	for _, c := range cases {
		_, newCode, ok := translateICMPTypeAndCode(1, c.oldCode)
		if ok != c.wantOK {
			t.Errorf("code %d: ok = %v, want %v", c.oldCode, ok, c.wantOK)
			continue
		}
		if ok && newCode != c.newCode {
			t.Errorf("code %d: newCode = %d, want %d", c.oldCode, newCode, c.newCode)
		}
	}
}

func TestTranslateParameterProblemPointer(t *testing.T) {
	cases := []struct {
		old    uint8
		want   uint8
		wantOK bool
	}{
		{0, 0, true},
		{1, 1, true},
		{4, 2, true},
		{6, 9, true},
		{7, 8, true},
		{8, 12, true},
		{23, 12, true},
		{24, 16, true},
		{39, 16, true},
		{2, 0, false},
		{40, 0, false},
	}
	for _, c := range cases {
		got, ok := translateParameterProblemPointer(c.old)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("pointer %d: got (%d, %v), want (%d, %v)", c.old, got, ok, c.want, c.wantOK)
		}
	}
}

func TestRecalculatePacketTooBigMTUClampsToOutboundMTUs(t *testing.T) {
	cfg := &config.Resolved{OutboundMTU4: 1480, OutboundMTU6: 1500}

	if got := recalculatePacketTooBigMTU(1500, cfg); got != 1480 {
		t.Errorf("got %d, want 1480", got)
	}
	if got := recalculatePacketTooBigMTU(10, cfg); got != 68 {
		t.Errorf("got %d, want 68 (floor)", got)
	}
}
