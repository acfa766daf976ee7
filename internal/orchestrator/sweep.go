package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// ArchiveSweep removes long-term items older than window (the configured
// retention when zero) and hands them to the archive sink. The rows are
// deleted in the same transaction as the hand-off, so a sink failure leaves
// them in long-term with their ids unchanged.
func (o *Orchestrator) ArchiveSweep(ctx context.Context, window time.Duration) (int, error) {
	if o.closed.Load() {
		return 0, ErrClosed
	}
	if window <= 0 {
		window = o.opts.Retention
	}

	sink := o.opts.Archive
	items, err := o.long.ArchiveSweep(ctx, window, func(ctx context.Context, items []model.MemoryItem) error {
		if err := sink.Archive(ctx, items); err != nil {
			return fmt.Errorf("archive to %s: %w", sink.Name(), err)
		}
		return nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("archive sweep rolled back")
		return 0, fmt.Errorf("archive sweep: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	o.metrics.Archived(len(items))
	o.refreshLongGauge(ctx)
	o.logger.Info().Int("count", len(items)).Str("sink", sink.Name()).Dur("window", window).Msg("archived memories")
	return len(items), nil
}
