package ipaddr_test

import (
	"testing"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
)

func TestIDGeneratorMonotonic(t *testing.T) {
	t.Parallel()

	g, err := ipaddr.NewIDGenerator()
	if err != nil {
		t.Fatalf("NewIDGenerator() error = %v", err)
	}

	first4 := g.NextIPv4()
	if g.NextIPv4() != first4+1 {
		t.Error("NextIPv4 is not monotonically increasing")
	}

	first6 := g.NextIPv6()
	if g.NextIPv6() != first6+1 {
		t.Error("NextIPv6 is not monotonically increasing")
	}
}

func TestIDGeneratorSeedsDiffer(t *testing.T) {
	t.Parallel()

	g1, err := ipaddr.NewIDGenerator()
	if err != nil {
		t.Fatalf("NewIDGenerator() error = %v", err)
	}
	g2, err := ipaddr.NewIDGenerator()
	if err != nil {
		t.Fatalf("NewIDGenerator() error = %v", err)
	}

	// Statistically near-certain to differ; a collision would not itself be
	// a bug, but this guards against an accidentally-fixed seed.
	if g1.NextIPv4() == g2.NextIPv4() && g1.NextIPv6() == g2.NextIPv6() {
		t.Skip("extremely unlikely seed collision, not a failure on its own")
	}
}
