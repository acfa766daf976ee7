package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// ArchiveFunc receives the rows an archive sweep is about to remove. A non-nil
// error rolls the sweep back and leaves every row in place.
type ArchiveFunc func(ctx context.Context, items []model.MemoryItem) error

// ArchiveSweep removes every row created before now-window and returns the
// removed rows decrypted, oldest first. archive, when non-nil, runs inside the
// delete transaction and the rows are only removed if it succeeds. If any row
// cannot be decrypted the sweep is aborted and nothing is removed.
func (s *LongTerm) ArchiveSweep(ctx context.Context, window time.Duration, archive ArchiveFunc) ([]model.MemoryItem, error) {
	if window <= 0 {
		window = DefaultRetention
	}
	cutoff := s.opts.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.queryRows(ctx,
		`SELECT `+columns+` FROM long_term WHERE created_unix < ? ORDER BY created_unix, seq`,
		cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: select expired: %v", model.ErrStorageUnavailable, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	items := make([]model.MemoryItem, 0, len(rows))
	seqs := make([]int64, 0, len(rows))
	for _, r := range rows {
		item, err := s.open(r)
		if err != nil {
			return nil, fmt.Errorf("archive sweep: %w", err)
		}
		items = append(items, item)
		seqs = append(seqs, r.seq)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", model.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if err := deleteSeqs(ctx, tx, seqs); err != nil {
		return nil, err
	}
	if archive != nil {
		if err := archive(ctx, items); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", model.ErrStorageUnavailable, err)
	}

	s.logger.Info().Int("count", len(items)).Time("cutoff", cutoff).Msg("archived long-term rows")
	return items, nil
}
