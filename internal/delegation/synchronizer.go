package delegation

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/route-feeder/internal/metrics"
	"github.com/route-beacon/route-feeder/internal/rib"
	"go.uber.org/zap"
)

// RouteTable is the part of the shared table the synchronizer writes to.
type RouteTable interface {
	Insert(prefixes []netip.Prefix, nexthop netip.Addr) []rib.Entry
	Withdraw(prefix netip.Prefix) (bool, rib.Entry)
	Publish(ev rib.Event)
}

// Store persists the retained snapshot and the applied diffs.
type Store interface {
	LoadSnapshot(ctx context.Context, family Family) ([]netip.Prefix, error)
	SaveDiff(ctx context.Context, family Family, nexthop netip.Addr, diff Diff) error
}

type Options struct {
	Filter       Filter
	Nexthop      netip.Addr
	MaxLineBytes int
	// Store is optional.
	Store Store
}

// Result summarizes one successful refresh.
type Result struct {
	Delegations int
	Lines       int
	Malformed   int
	Added       []netip.Prefix
	Withdrawn   []netip.Prefix
	NotFound    []netip.Prefix
	Duration    time.Duration
}

// Synchronizer keeps the route table in line with the delegation feed.
type Synchronizer struct {
	fetcher Fetcher
	table   RouteTable
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	current *Snapshot

	// persisted is what the store is known to hold. It lags current after
	// a failed write until the next cycle catches the store up.
	persisted   *Snapshot
	storeBehind bool

	lastSuccess atomic.Int64
}

func NewSynchronizer(fetcher Fetcher, table RouteTable, opts Options, logger *zap.Logger) *Synchronizer {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	return &Synchronizer{
		fetcher:   fetcher,
		table:     table,
		opts:      opts,
		logger:    logger,
		current:   NewSnapshot(),
		persisted: NewSnapshot(),
	}
}

// Refresh fetches the feed, diffs it against the retained snapshot and
// applies the difference to the route table. On any fetch or parse failure
// the retained snapshot and the table are left untouched.
func (s *Synchronizer) Refresh(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.logger.Info("fetching latest delegations")

	next, res, err := s.fetch(ctx)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues(failureReason(err)).Inc()
		s.logger.Warn("failed to fetch delegations", zap.Error(err))
		return nil, err
	}

	s.logger.Info("delegations fetched, computing diff",
		zap.Int("delegations", next.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)

	diff := Compare(s.current, next)
	s.current = next

	s.apply(diff, res)

	if s.opts.Store != nil {
		s.persist(ctx, next)
	}

	res.Duration = time.Since(start)
	now := time.Now()
	s.lastSuccess.Store(now.UnixNano())

	metrics.RefreshTotal.WithLabelValues("success").Inc()
	metrics.RefreshDuration.Observe(res.Duration.Seconds())
	metrics.Delegations.Set(float64(next.Len()))
	metrics.LastRefreshTimestamp.Set(float64(now.Unix()))

	s.logger.Info("route table updated",
		zap.Int("added", len(res.Added)),
		zap.Int("withdrawn", len(res.Withdrawn)),
		zap.Int("withdraw_not_found", len(res.NotFound)),
		zap.Int("malformed", res.Malformed),
	)
	return res, nil
}

func (s *Synchronizer) fetch(ctx context.Context) (*Snapshot, *Result, error) {
	snap := NewSnapshot()
	res := &Result{}

	splitter := NewLineSplitter(s.opts.MaxLineBytes, func(line []byte) error {
		prefixes, err := s.opts.Filter.Parse(line)
		if err != nil {
			res.Malformed++
			metrics.ParseErrorsTotal.WithLabelValues("feed", "malformed").Inc()
			s.logger.Debug("skipping malformed delegation", zap.ByteString("line", line), zap.Error(err))
			return nil
		}
		for _, p := range prefixes {
			snap.Add(p)
		}
		if len(prefixes) > 0 && snap.Len()%1000 == 0 {
			s.logger.Debug("loading delegations", zap.Int("loaded", snap.Len()))
		}
		return nil
	})

	if err := s.fetcher.Fetch(ctx, splitter); err != nil {
		return nil, nil, err
	}
	if err := splitter.Close(); err != nil {
		return nil, nil, err
	}

	res.Lines = splitter.Lines()
	res.Delegations = snap.Len()
	return snap, res, nil
}

// persist writes the change between the persisted snapshot and next. On
// failure persisted is left as is, so the next cycle writes the missed
// change together with its own, even when its own diff is empty.
func (s *Synchronizer) persist(ctx context.Context, next *Snapshot) {
	diff := Compare(s.persisted, next)
	if diff.Empty() {
		s.persisted = next
		return
	}
	if err := s.opts.Store.SaveDiff(ctx, s.opts.Filter.Family, s.opts.Nexthop, diff); err != nil {
		metrics.StoreErrorsTotal.Inc()
		s.storeBehind = true
		s.logger.Error("failed to persist delegation diff",
			zap.Int("added", len(diff.Added)),
			zap.Int("dropped", len(diff.Dropped)),
			zap.Error(err),
		)
		return
	}
	if s.storeBehind {
		s.storeBehind = false
		s.logger.Info("delegation store caught up",
			zap.Int("added", len(diff.Added)),
			zap.Int("dropped", len(diff.Dropped)),
		)
	}
	s.persisted = next
}

func (s *Synchronizer) apply(diff Diff, res *Result) {
	res.Added = diff.Added

	if len(diff.Added) > 0 {
		inserted := s.table.Insert(diff.Added, s.opts.Nexthop)
		if len(inserted) > 0 {
			s.table.Publish(rib.Event{Kind: rib.EventAdd, Entries: inserted})
		}
		metrics.RoutesChangedTotal.WithLabelValues("added").Add(float64(len(inserted)))
	}

	var withdrawn []rib.Entry
	for _, p := range diff.Dropped {
		found, e := s.table.Withdraw(p)
		if !found {
			res.NotFound = append(res.NotFound, p)
			continue
		}
		withdrawn = append(withdrawn, e)
		res.Withdrawn = append(res.Withdrawn, p)
	}
	if len(withdrawn) > 0 {
		s.table.Publish(rib.Event{Kind: rib.EventWithdraw, Entries: withdrawn})
	}
	metrics.RoutesChangedTotal.WithLabelValues("withdrawn").Add(float64(len(withdrawn)))
	metrics.RoutesChangedTotal.WithLabelValues("withdraw_not_found").Add(float64(len(res.NotFound)))
}

// Restore installs the persisted snapshot as the retained one and loads it
// into the route table, so peers get routes before the first fetch finishes.
func (s *Synchronizer) Restore(ctx context.Context) (int, error) {
	if s.opts.Store == nil {
		return 0, nil
	}

	prefixes, err := s.opts.Store.LoadSnapshot(ctx, s.opts.Filter.Family)
	if err != nil {
		return 0, fmt.Errorf("loading persisted snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = NewSnapshot(prefixes...)
	s.persisted = s.current
	inserted := s.table.Insert(s.current.Prefixes(), s.opts.Nexthop)
	if len(inserted) > 0 {
		s.table.Publish(rib.Event{Kind: rib.EventAdd, Entries: inserted})
	}
	metrics.Delegations.Set(float64(s.current.Len()))

	s.logger.Info("restored persisted delegations", zap.Int("delegations", s.current.Len()))
	return s.current.Len(), nil
}

// Snapshot returns the prefixes of the retained snapshot.
func (s *Synchronizer) Snapshot() []netip.Prefix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Prefixes()
}

// LastSuccess returns the completion time of the last successful refresh,
// or the zero time if none has succeeded yet.
func (s *Synchronizer) LastSuccess() time.Time {
	ns := s.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func failureReason(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return "status_error"
	case errors.Is(err, ErrLineTooLong):
		return "line_too_long"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "fetch_error"
	}
}
