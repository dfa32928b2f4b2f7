package rib

import (
	"net/netip"
	"testing"
)

func TestInsert_NewAndChanged(t *testing.T) {
	tbl := NewTable()
	nh1 := netip.MustParseAddr("192.0.2.1")
	nh2 := netip.MustParseAddr("192.0.2.2")
	p := netip.MustParsePrefix("10.0.0.0/24")

	if got := tbl.Insert([]netip.Prefix{p}, nh1); len(got) != 1 {
		t.Fatalf("expected 1 inserted entry, got %d", len(got))
	}
	if got := tbl.Insert([]netip.Prefix{p}, nh1); len(got) != 0 {
		t.Errorf("expected re-insert with same nexthop to be a no-op, got %d", len(got))
	}
	got := tbl.Insert([]netip.Prefix{p}, nh2)
	if len(got) != 1 || got[0].Nexthop != nh2 {
		t.Errorf("expected nexthop change to be reported, got %+v", got)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 route, got %d", tbl.Len())
	}
}

func TestInsert_MasksHostBits(t *testing.T) {
	tbl := NewTable()
	tbl.Insert([]netip.Prefix{netip.MustParsePrefix("10.0.0.5/24")}, netip.MustParseAddr("192.0.2.1"))

	found, e := tbl.Withdraw(netip.MustParsePrefix("10.0.0.0/24"))
	if !found {
		t.Fatal("expected masked prefix to be withdrawable")
	}
	if e.Prefix.String() != "10.0.0.0/24" {
		t.Errorf("expected 10.0.0.0/24, got %s", e.Prefix)
	}
}

func TestWithdraw_NotFound(t *testing.T) {
	tbl := NewTable()
	found, _ := tbl.Withdraw(netip.MustParsePrefix("10.0.0.0/8"))
	if found {
		t.Error("expected withdraw of absent prefix to report not found")
	}
}

func TestLookup_LongestMatch(t *testing.T) {
	tbl := NewTable()
	nh := netip.MustParseAddr("192.0.2.1")
	tbl.Insert([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("10.1.0.0/16"),
	}, nh)

	e, ok := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	if !ok || e.Prefix.String() != "10.1.0.0/16" {
		t.Errorf("expected 10.1.0.0/16, got %v (ok=%v)", e.Prefix, ok)
	}
	e, ok = tbl.Lookup(netip.MustParseAddr("10.2.0.1"))
	if !ok || e.Prefix.String() != "10.0.0.0/8" {
		t.Errorf("expected 10.0.0.0/8, got %v (ok=%v)", e.Prefix, ok)
	}
	if _, ok := tbl.Lookup(netip.MustParseAddr("11.0.0.1")); ok {
		t.Error("expected no match for 11.0.0.1")
	}
}

func TestRoutes_Sorted(t *testing.T) {
	tbl := NewTable()
	tbl.Insert([]netip.Prefix{
		netip.MustParsePrefix("10.2.0.0/16"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("10.0.0.0/16"),
	}, netip.MustParseAddr("192.0.2.1"))

	routes := tbl.Routes()
	want := []string{"10.0.0.0/8", "10.0.0.0/16", "10.2.0.0/16"}
	for i, e := range routes {
		if e.Prefix.String() != want[i] {
			t.Errorf("route %d: expected %s, got %s", i, want[i], e.Prefix)
		}
	}
}

func TestSubscribe_PublishAndCancel(t *testing.T) {
	tbl := NewTable()
	var got []Event
	cancel := tbl.Subscribe(func(ev Event) { got = append(got, ev) })

	tbl.Publish(Event{Kind: EventAdd})
	cancel()
	cancel() // second cancel is a no-op
	tbl.Publish(Event{Kind: EventWithdraw})

	if len(got) != 1 {
		t.Fatalf("expected 1 event before cancel, got %d", len(got))
	}
	if got[0].Kind != EventAdd {
		t.Errorf("expected add event, got %s", got[0].Kind)
	}
}

func TestSubscribe_CancelFromCallback(t *testing.T) {
	tbl := NewTable()
	calls := 0
	var cancel func()
	cancel = tbl.Subscribe(func(Event) {
		calls++
		cancel()
	})

	tbl.Publish(Event{Kind: EventAdd})
	tbl.Publish(Event{Kind: EventAdd})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
