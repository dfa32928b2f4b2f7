package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	eventsTable   = "delegation_events"
	summaryView   = "delegation_summary"
	partitionDate = "20060102"
)

var validPartitionName = regexp.MustCompile(`^delegation_events_\d{8}$`)

// DB is the subset of *pgxpool.Pool used here.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PartitionManager keeps the daily delegation_events partitions in line
// with the retention window.
type PartitionManager struct {
	db            DB
	retentionDays int
	loc           *time.Location
	logger        *zap.Logger
	now           func() time.Time
}

func NewPartitionManager(db DB, retentionDays int, timezone string, logger *zap.Logger) (*PartitionManager, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %s: %w", timezone, err)
	}
	return &PartitionManager{
		db:            db,
		retentionDays: retentionDays,
		loc:           loc,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	pm.RefreshSummary(ctx)
	return nil
}

// RefreshSummary refreshes the per-family summary view. Failures are logged
// only.
func (pm *PartitionManager) RefreshSummary(ctx context.Context) {
	if _, err := pm.db.Exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+summaryView); err != nil {
		pm.logger.Warn("failed to refresh delegation_summary (may not exist yet)", zap.Error(err))
	}
}

func (pm *PartitionManager) today() time.Time {
	now := pm.now().In(pm.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, pm.loc)
}

// CreatePartitions ensures partitions for today and tomorrow exist.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	today := pm.today()
	for _, day := range []time.Time{today, today.AddDate(0, 0, 1)} {
		if err := pm.createPartition(ctx, day); err != nil {
			return err
		}
	}
	return nil
}

func partitionName(day time.Time) string {
	return fmt.Sprintf("%s_%s", eventsTable, day.Format(partitionDate))
}

// partitionDDL returns the statements creating the partition for day.
func partitionDDL(day time.Time) []string {
	name := partitionName(day)
	safeName := pgx.Identifier{name}.Sanitize()
	from := day.UTC().Format("2006-01-02 15:04:05+00")
	to := day.AddDate(0, 0, 1).UTC().Format("2006-01-02 15:04:05+00")
	safeIdx := pgx.Identifier{fmt.Sprintf("idx_%s_recorded", name)}.Sanitize()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			safeName, eventsTable, from, to),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (recorded_at DESC)`, safeIdx, safeName),
	}
}

func (pm *PartitionManager) createPartition(ctx context.Context, day time.Time) error {
	name := partitionName(day)
	for _, stmt := range partitionDDL(day) {
		if _, err := pm.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating partition %s: %w", name, err)
		}
	}
	pm.logger.Debug("partition ensured", zap.String("partition", name))
	return nil
}

// expired returns the partitions in names older than the retention window.
// Names not matching the partition pattern are skipped.
func (pm *PartitionManager) expired(names []string) []string {
	cutoff := pm.today().AddDate(0, 0, -pm.retentionDays)

	var out []string
	for _, name := range names {
		if !validPartitionName.MatchString(name) {
			pm.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		day, err := time.ParseInLocation(partitionDate, name[len(name)-8:], pm.loc)
		if err != nil {
			pm.logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}
		if day.Before(cutoff) {
			out = append(out, name)
		}
	}
	return out
}

// DropOldPartitions drops partitions older than the retention window.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	rows, err := pm.db.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = $1::regclass`, eventsTable)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scanning partition names: %w", err)
	}

	for _, name := range pm.expired(names) {
		if _, err := pm.db.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
			return fmt.Errorf("dropping partition %s: %w", name, err)
		}
		pm.logger.Info("dropped old partition", zap.String("partition", name))
	}
	return nil
}
