package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nugget/nina-bridge/internal/events"
)

// Pruner deletes journal rows older than the retention period on a
// cron schedule.
type Pruner struct {
	store     *Store
	logger    *slog.Logger
	bus       *events.Bus
	retention time.Duration
	schedule  string
	cron      *cron.Cron
}

// NewPruner validates schedule (standard five-field cron or a
// descriptor such as "@daily") and returns a stopped pruner.
func NewPruner(store *Store, retention time.Duration, schedule string, logger *slog.Logger, bus *events.Bus) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("journal retention must be positive, got %s", retention)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse prune schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:     store,
		logger:    logger,
		bus:       bus,
		retention: retention,
		schedule:  schedule,
		cron:      cron.New(),
	}, nil
}

// Start runs one prune pass immediately and then on the schedule.
func (p *Pruner) Start(ctx context.Context) error {
	if _, err := p.cron.AddFunc(p.schedule, func() { p.PruneNow(ctx) }); err != nil {
		return fmt.Errorf("schedule journal prune: %w", err)
	}
	p.PruneNow(ctx)
	p.cron.Start()
	p.logger.Debug("journal pruner started", "schedule", p.schedule, "retention", p.retention)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// PruneNow deletes rows older than the retention period.
func (p *Pruner) PruneNow(ctx context.Context) int64 {
	cutoff := time.Now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Warn("journal prune failed", "error", err)
		return n
	}
	if n > 0 {
		p.logger.Info("journal pruned", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	p.bus.Emit(events.SourceJournal, events.KindPruned, map[string]any{"rows": n})
	return n
}
