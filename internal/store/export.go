package store

import (
	"context"
	"fmt"

	"github.com/rcliao/tiered-memory/internal/model"
)

// List returns rows newest first. A limit of zero or less returns every row.
func (s *LongTerm) List(ctx context.Context, limit int) ([]model.MemoryItem, error) {
	query := `SELECT ` + columns + ` FROM long_term ORDER BY created_unix DESC, seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.queryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list long-term: %v", model.ErrStorageUnavailable, err)
	}

	items := make([]model.MemoryItem, 0, len(rows))
	for _, r := range rows {
		item, err := s.open(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ExportAll returns every row oldest first.
func (s *LongTerm) ExportAll(ctx context.Context) ([]model.MemoryItem, error) {
	items, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}
