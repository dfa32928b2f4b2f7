package delegation

import (
	"net/netip"

	"github.com/route-beacon/route-feeder/internal/rib"
)

// Snapshot is the set of prefixes accepted from one complete fetch.
type Snapshot struct {
	set map[netip.Prefix]struct{}
}

func NewSnapshot(prefixes ...netip.Prefix) *Snapshot {
	s := &Snapshot{set: make(map[netip.Prefix]struct{}, len(prefixes))}
	for _, p := range prefixes {
		s.Add(p)
	}
	return s
}

func (s *Snapshot) Add(p netip.Prefix) {
	s.set[p.Masked()] = struct{}{}
}

func (s *Snapshot) Contains(p netip.Prefix) bool {
	if s == nil {
		return false
	}
	_, ok := s.set[p.Masked()]
	return ok
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.set)
}

// Prefixes returns the members in address order.
func (s *Snapshot) Prefixes() []netip.Prefix {
	if s == nil {
		return nil
	}
	out := make([]netip.Prefix, 0, len(s.set))
	for p := range s.set {
		out = append(out, p)
	}
	rib.SortPrefixes(out)
	return out
}

// Diff is the change between two snapshots. Added and Dropped are disjoint
// and sorted.
type Diff struct {
	Added   []netip.Prefix
	Dropped []netip.Prefix
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Dropped) == 0
}

// Compare computes next minus prev (Added) and prev minus next (Dropped) by
// set membership. A nil snapshot is treated as empty.
func Compare(prev, next *Snapshot) Diff {
	var d Diff
	if next != nil {
		for p := range next.set {
			if !prev.Contains(p) {
				d.Added = append(d.Added, p)
			}
		}
	}
	if prev != nil {
		for p := range prev.set {
			if !next.Contains(p) {
				d.Dropped = append(d.Dropped, p)
			}
		}
	}
	rib.SortPrefixes(d.Added)
	rib.SortPrefixes(d.Dropped)
	return d
}
