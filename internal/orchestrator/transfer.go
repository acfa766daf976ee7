package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Export returns every tier in the order Import expects: short- and
// mid-term oldest first, long-term oldest first.
func (o *Orchestrator) Export(ctx context.Context) (Contents, error) {
	var c Contents
	var errs []error
	var err error

	if c.ShortTerm, err = o.short.Items(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", model.TierShort, err))
	}
	if c.MidTerm, err = o.mid.Items(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", model.TierMid, err))
	}
	if c.LongTerm, err = o.long.ExportAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", model.TierLong, err))
	}
	return c, errors.Join(errs...)
}

// Import adds exported items back into the tier each came from, keeping
// their timestamps. Long-term items get new ids. Invalid items are skipped
// and reported in the returned error.
func (o *Orchestrator) Import(ctx context.Context, c Contents) (int, error) {
	if o.closed.Load() {
		return 0, ErrClosed
	}
	o.compressMu.Lock()
	defer o.compressMu.Unlock()

	var errs []error
	valid := func(items []model.MemoryItem) []model.MemoryItem {
		out := make([]model.MemoryItem, 0, len(items))
		for _, it := range items {
			if err := model.Validate(it.Content, it.Priority); err != nil {
				errs = append(errs, fmt.Errorf("import %q: %w", it.Content, err))
				continue
			}
			if it.LastAccessed.Before(it.CreatedAt) {
				it.LastAccessed = it.CreatedAt
			}
			out = append(out, it)
		}
		return out
	}

	imported := 0
	for _, it := range valid(c.ShortTerm) {
		if err := o.short.Add(it); err != nil {
			errs = append(errs, err)
			continue
		}
		imported++
	}

	if mid := valid(c.MidTerm); len(mid) > 0 {
		evicted, err := o.mid.Add(mid)
		if err != nil {
			errs = append(errs, err)
		}
		imported += len(mid)
		o.metrics.Evicted(string(model.TierMid), len(evicted))
	}

	if long := valid(c.LongTerm); len(long) > 0 {
		stored, err := o.long.Add(ctx, long)
		if err != nil {
			errs = append(errs, fmt.Errorf("import long-term: %w", err))
		}
		imported += len(stored)
	}

	o.refreshGauges(ctx)
	o.markDirty()
	o.logger.Info().Int("imported", imported).Msg("import finished")
	return imported, errors.Join(errs...)
}

// Reindex rebuilds the long-term full-text index.
func (o *Orchestrator) Reindex(ctx context.Context) (int, error) {
	if o.closed.Load() {
		return 0, ErrClosed
	}
	n, err := o.long.Rebuild(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex long-term: %w", err)
	}
	o.logger.Info().Int("rows", n).Msg("long-term index rebuilt")
	return n, nil
}
