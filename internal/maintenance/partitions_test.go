package maintenance

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func TestValidPartitionName_Valid(t *testing.T) {
	name := "delegation_events_20250115"
	if !validPartitionName.MatchString(name) {
		t.Errorf("expected %q to match validPartitionName regex", name)
	}
}

func TestValidPartitionName_Invalid(t *testing.T) {
	invalid := []string{
		"delegation_events_abc",
		"route_events_20250115",
		"delegation_events_2025011",
		"delegation_events_20250115; DROP TABLE x",
		"",
	}
	for _, name := range invalid {
		if validPartitionName.MatchString(name) {
			t.Errorf("expected %q to NOT match validPartitionName regex", name)
		}
	}
}

func newTestManager(t *testing.T, tz string, now time.Time) *PartitionManager {
	t.Helper()
	pm, err := NewPartitionManager(nil, 30, tz, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pm.now = func() time.Time { return now }
	return pm
}

func TestNewPartitionManager_BadTimezone(t *testing.T) {
	if _, err := NewPartitionManager(nil, 30, "Not/A_Zone", zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestPartitionDDL(t *testing.T) {
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	stmts := partitionDDL(day)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	want := `CREATE TABLE IF NOT EXISTS "delegation_events_20250115" PARTITION OF delegation_events ` +
		`FOR VALUES FROM ('2025-01-15 00:00:00+00') TO ('2025-01-16 00:00:00+00')`
	if stmts[0] != want {
		t.Errorf("unexpected DDL:\n got %s\nwant %s", stmts[0], want)
	}
	if !strings.Contains(stmts[1], `"idx_delegation_events_20250115_recorded"`) {
		t.Errorf("unexpected index DDL: %s", stmts[1])
	}
}

func TestPartitionDDL_LocalMidnight(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, loc)
	if got := partitionDDL(day)[0]; !strings.Contains(got, "FROM ('2025-01-14 16:00:00+00') TO ('2025-01-15 16:00:00+00')") {
		t.Errorf("expected bounds at local midnight, got %s", got)
	}
}

func TestExpired(t *testing.T) {
	pm := newTestManager(t, "UTC", time.Date(2025, 2, 20, 13, 0, 0, 0, time.UTC))

	got := pm.expired([]string{
		"delegation_events_20250115",
		"delegation_events_20250120",
		"delegation_events_20250121",
		"delegation_events_20250220",
		"delegation_events_bogus",
		"public.other_table",
	})
	want := []string{"delegation_events_20250115", "delegation_events_20250120"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expired mismatch (-want +got):\n%s", diff)
	}
}
