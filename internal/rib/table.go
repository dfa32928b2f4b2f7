package rib

import (
	"net/netip"
	"slices"
	"sync"
	"time"
)

// Entry is a single route held by the table.
type Entry struct {
	Prefix  netip.Prefix
	Nexthop netip.Addr
	Updated time.Time
}

// Table is the shared route table. Delegation-derived routes are written by
// a single synchronizer; protocol engines read it and follow its events.
type Table struct {
	mu     sync.RWMutex
	routes map[netip.Prefix]Entry

	bus bus
	now func() time.Time
}

func NewTable() *Table {
	return &Table{
		routes: make(map[netip.Prefix]Entry),
		now:    time.Now,
	}
}

// Insert installs the prefixes with the given next hop and returns the
// entries that were added or whose next hop changed. Prefixes already present
// with the same next hop are left alone.
func (t *Table) Insert(prefixes []netip.Prefix, nexthop netip.Addr) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var inserted []Entry
	for _, p := range prefixes {
		p = p.Masked()
		if cur, ok := t.routes[p]; ok && cur.Nexthop == nexthop {
			continue
		}
		e := Entry{Prefix: p, Nexthop: nexthop, Updated: now}
		t.routes[p] = e
		inserted = append(inserted, e)
	}
	return inserted
}

// Withdraw removes a prefix. It reports whether the prefix was present and
// returns the removed entry.
func (t *Table) Withdraw(prefix netip.Prefix) (bool, Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix = prefix.Masked()
	e, ok := t.routes[prefix]
	if !ok {
		return false, Entry{}
	}
	delete(t.routes, prefix)
	return true, e
}

// Routes returns a copy of every entry, sorted by prefix.
func (t *Table) Routes() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.routes))
	for _, e := range t.routes {
		out = append(out, e)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int { return ComparePrefix(a.Prefix, b.Prefix) })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Lookup returns the longest-match entry covering addr.
func (t *Table) Lookup(addr netip.Addr) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for bits := addr.BitLen(); bits >= 0; bits-- {
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if e, ok := t.routes[p]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// Publish delivers an event to every subscriber. It must not be called with
// the table lock held.
func (t *Table) Publish(ev Event) {
	t.bus.publish(ev)
}

// Subscribe registers fn for table events. The returned function cancels the
// subscription and is safe to call more than once.
func (t *Table) Subscribe(fn func(Event)) (cancel func()) {
	return t.bus.subscribe(fn)
}

// ComparePrefix orders prefixes by address, then by length.
func ComparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// SortPrefixes sorts ps in place using ComparePrefix.
func SortPrefixes(ps []netip.Prefix) {
	slices.SortFunc(ps, ComparePrefix)
}
