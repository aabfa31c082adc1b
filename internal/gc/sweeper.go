package gc

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/airsync/syncstate/internal/store"
)

// Sweeper runs a periodic full-store GC pass, for series no request has
// opportunistically visited in a while (a device that stopped syncing
// mid-series, for instance). Grounded on the same cron-expression,
// context-cancellable background-loop shape the rest of this codebase uses
// for scheduled work, narrowed to the one job GC needs.
type Sweeper struct {
	collector *Collector
	db        *store.Store
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewSweeper returns a Sweeper that runs collector's full-store pass on the
// given cron expression (standard five-field form).
func NewSweeper(collector *Collector, db *store.Store, expr string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gc-sweeper")

	c := cron.New()
	s := &Sweeper{collector: collector, db: db, logger: logger, cron: c}

	if _, err := c.AddFunc(expr, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the sweeper until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("gc sweeper stopped")
	}()
}

// Reschedule swaps the sweeper's cron expression for expr, so a hot-reloaded
// GC.CronExpr (internal/config.Config.Reload) takes effect on the already
// running job rather than requiring a process restart. The new entry is
// added before the old one is removed, so an invalid expr leaves the
// previous schedule intact.
func (s *Sweeper) Reschedule(expr string) error {
	id, err := s.cron.AddFunc(expr, s.runOnce)
	if err != nil {
		return err
	}
	for _, e := range s.cron.Entries() {
		if e.ID != id {
			s.cron.Remove(e.ID)
		}
	}
	s.logger.Info("gc sweeper rescheduled", "cron_expr", expr)
	return nil
}

func (s *Sweeper) runOnce() {
	ctx := context.Background()
	s.logger.Debug("gc sweep starting")

	pairs, err := s.db.ListDeviceUserPairs(ctx)
	if err != nil {
		s.logger.Error("gc sweep: list device/user pairs", "error", err)
		return
	}

	for _, p := range pairs {
		if err := s.collector.SweepDeviceUser(ctx, p.Device, p.User); err != nil {
			s.logger.Error("gc sweep: device/user pass failed", "device", p.Device, "user", p.User, "error", err)
		}
	}
	s.logger.Debug("gc sweep complete", "pairs", len(pairs))
}
