package delegation

import (
	"math/rand"
	"net/netip"
	"testing"
)

func mustPrefixes(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParsePrefix(s)
	}
	return out
}

func TestCompare_Example(t *testing.T) {
	prev := NewSnapshot(mustPrefixes("1.2.3.0/24", "1.2.4.0/24")...)
	next := NewSnapshot(mustPrefixes("1.2.3.0/24")...)

	d := Compare(prev, next)
	if len(d.Added) != 0 {
		t.Errorf("expected no additions, got %v", d.Added)
	}
	if len(d.Dropped) != 1 || d.Dropped[0].String() != "1.2.4.0/24" {
		t.Errorf("expected dropped [1.2.4.0/24], got %v", d.Dropped)
	}
}

func TestCompare_NilPrevious(t *testing.T) {
	next := NewSnapshot(mustPrefixes("10.0.0.0/8", "1.0.0.0/8")...)
	d := Compare(nil, next)
	if len(d.Added) != 2 || d.Added[0].String() != "1.0.0.0/8" {
		t.Errorf("expected sorted additions, got %v", d.Added)
	}
	if len(d.Dropped) != 0 {
		t.Errorf("expected no drops, got %v", d.Dropped)
	}
}

func TestCompare_Idempotent(t *testing.T) {
	s := NewSnapshot(mustPrefixes("1.2.3.0/24", "1.2.4.0/24", "10.0.0.0/8")...)
	if d := Compare(s, s); !d.Empty() {
		t.Errorf("expected empty diff for identical snapshots, got %+v", d)
	}
}

func TestCompare_OrderInsensitive(t *testing.T) {
	a := NewSnapshot(mustPrefixes("1.2.3.0/24", "1.2.4.0/24", "10.0.0.0/8")...)
	b := NewSnapshot(mustPrefixes("10.0.0.0/8", "1.2.4.0/24", "1.2.3.0/24")...)
	if d := Compare(a, b); !d.Empty() {
		t.Errorf("expected empty diff for reordered snapshots, got %+v", d)
	}
}

func TestCompare_DisjointRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	randomSnapshot := func() *Snapshot {
		s := NewSnapshot()
		for i := 0; i < 200; i++ {
			addr := netip.AddrFrom4([4]byte{10, byte(rng.Intn(16)), byte(rng.Intn(16)), 0})
			s.Add(netip.PrefixFrom(addr, 24))
		}
		return s
	}

	for round := 0; round < 50; round++ {
		a, b := randomSnapshot(), randomSnapshot()
		d := Compare(a, b)

		added := NewSnapshot(d.Added...)
		for _, p := range d.Dropped {
			if added.Contains(p) {
				t.Fatalf("round %d: %s is both added and dropped", round, p)
			}
		}
		for _, p := range d.Added {
			if !b.Contains(p) || a.Contains(p) {
				t.Fatalf("round %d: added %s is not in next-only", round, p)
			}
		}
		for _, p := range d.Dropped {
			if !a.Contains(p) || b.Contains(p) {
				t.Fatalf("round %d: dropped %s is not in prev-only", round, p)
			}
		}
	}
}

func TestSnapshot_MasksPrefixes(t *testing.T) {
	s := NewSnapshot(netip.MustParsePrefix("10.0.0.1/24"))
	if !s.Contains(netip.MustParsePrefix("10.0.0.0/24")) {
		t.Error("expected masked prefix to be a member")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 member, got %d", s.Len())
	}
}
