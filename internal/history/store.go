package history

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/delegation"
	"github.com/route-beacon/route-feeder/internal/metrics"
)

const (
	actionAdd      = "A"
	actionWithdraw = "D"
)

var _ delegation.Store = (*Store)(nil)

var eventColumns = []string{"recorded_at", "family", "prefix", "action", "nexthop"}

// Partitioner makes sure the delegation_events partition for the current
// day exists.
type Partitioner interface {
	CreatePartitions(ctx context.Context) error
}

// Store keeps the retained delegation snapshot and the history of applied
// diffs in PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	partitions Partitioner
	logger     *zap.Logger
	now        func() time.Time
}

// NewStore returns a store on pool. partitions may be nil when partitions
// are managed elsewhere.
func NewStore(pool *pgxpool.Pool, partitions Partitioner, logger *zap.Logger) *Store {
	return &Store{
		pool:       pool,
		partitions: partitions,
		logger:     logger,
		now:        time.Now,
	}
}

// LoadSnapshot returns the persisted prefixes of family.
func (s *Store) LoadSnapshot(ctx context.Context, family delegation.Family) ([]netip.Prefix, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT prefix FROM delegations WHERE family = $1 ORDER BY prefix`, string(family))
	if err != nil {
		return nil, fmt.Errorf("querying delegations: %w", err)
	}
	prefixes, err := pgx.CollectRows(rows, pgx.RowTo[netip.Prefix])
	if err != nil {
		return nil, fmt.Errorf("scanning delegations: %w", err)
	}
	return prefixes, nil
}

// SaveDiff applies diff to the persisted snapshot and appends one history
// row per changed prefix, in a single transaction.
func (s *Store) SaveDiff(ctx context.Context, family delegation.Family, nexthop netip.Addr, diff delegation.Diff) error {
	if diff.Empty() {
		return nil
	}
	start := time.Now()

	if s.partitions != nil {
		if err := s.partitions.CreatePartitions(ctx); err != nil {
			return fmt.Errorf("ensuring partitions: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted, deleted int64
	if len(diff.Added) > 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO delegations (family, prefix, first_seen)
			SELECT $1, p, now() FROM unnest($2::cidr[]) AS p
			ON CONFLICT (family, prefix) DO NOTHING`,
			string(family), diff.Added)
		if err != nil {
			return fmt.Errorf("insert delegations: %w", err)
		}
		inserted = tag.RowsAffected()
	}
	if len(diff.Dropped) > 0 {
		tag, err := tx.Exec(ctx,
			`DELETE FROM delegations WHERE family = $1 AND prefix = ANY($2::cidr[])`,
			string(family), diff.Dropped)
		if err != nil {
			return fmt.Errorf("delete delegations: %w", err)
		}
		deleted = tag.RowsAffected()
	}

	events := eventRows(s.now(), family, nexthop, diff)
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"delegation_events"}, eventColumns, pgx.CopyFromRows(events))
	if err != nil {
		return fmt.Errorf("copy delegation_events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("save_diff").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("delegations", "insert").Add(float64(inserted))
	metrics.DBRowsAffectedTotal.WithLabelValues("delegations", "delete").Add(float64(deleted))
	metrics.DBRowsAffectedTotal.WithLabelValues("delegation_events", "insert").Add(float64(copied))

	s.logger.Debug("delegation diff persisted",
		zap.String("family", string(family)),
		zap.Int64("inserted", inserted),
		zap.Int64("deleted", deleted),
		zap.Int64("events", copied),
	)
	return nil
}

// eventRows builds the delegation_events rows for diff, additions first.
func eventRows(at time.Time, family delegation.Family, nexthop netip.Addr, diff delegation.Diff) [][]any {
	rows := make([][]any, 0, len(diff.Added)+len(diff.Dropped))
	for _, p := range diff.Added {
		rows = append(rows, []any{at, string(family), p, actionAdd, nexthop})
	}
	for _, p := range diff.Dropped {
		rows = append(rows, []any{at, string(family), p, actionWithdraw, nexthop})
	}
	return rows
}
