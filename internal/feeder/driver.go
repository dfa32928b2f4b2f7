package feeder

import (
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/metrics"
)

// drive ticks every session once per tick period and schedules a refresh
// each time its counter wraps around RefreshTicks. The first iteration
// runs immediately, so the table is populated at startup.
func (f *Feeder) drive() {
	defer f.wg.Done()
	logger := f.logger.Named("driver")

	ticker := time.NewTicker(f.opts.TickPeriod)
	defer ticker.Stop()

	counter := 0
	for {
		counter = f.driveOnce(counter, logger)
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Feeder) driveOnce(counter int, logger *zap.Logger) (next int) {
	next = (counter + 1) % f.opts.RefreshTicks
	defer func() {
		if r := recover(); r != nil {
			logger.Error("driver iteration panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if counter == 0 {
		f.triggerRefresh(logger)
	}
	if pruned := f.registry.Tick(); pruned > 0 {
		logger.Debug("pruned terminal sessions", zap.Int("pruned", pruned))
	}
	return next
}

// triggerRefresh never blocks: a refresh already pending absorbs this one.
func (f *Feeder) triggerRefresh(logger *zap.Logger) {
	select {
	case f.trigger <- struct{}{}:
	default:
		logger.Warn("refresh still pending, skipping this interval")
		metrics.RefreshTotal.WithLabelValues("skipped").Inc()
	}
}

func (f *Feeder) refreshLoop() {
	defer f.wg.Done()
	logger := f.logger.Named("refresher")

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.trigger:
			f.refreshOnce(logger)
		}
	}
}

func (f *Feeder) refreshOnce(logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("refresh panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if f.refresher == nil {
		return
	}
	if _, err := f.refresher.Refresh(f.ctx); err != nil && f.ctx.Err() == nil {
		logger.Warn("refresh failed, keeping previous table", zap.Error(err))
	}
}
