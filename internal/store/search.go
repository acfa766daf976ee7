package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Search finds rows whose content contains query. The trigram index is tried
// first under the query timeout; if it errors or finds nothing, every row is
// decrypted and matched literally. Hits have their last-access time bumped.
func (s *LongTerm) Search(ctx context.Context, query string) ([]model.MemoryItem, error) {
	results := []model.MemoryItem{}
	if strings.TrimSpace(query) == "" {
		return results, nil
	}

	rows, err := s.searchIndex(ctx, query)
	if err != nil {
		s.logger.Warn().Err(err).Msg("full-text query failed, scanning rows")
	}
	if err != nil || len(rows) == 0 {
		rows, err = s.scan(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("%w: scan long-term: %v", model.ErrStorageUnavailable, err)
		}
	}

	for _, r := range rows {
		item, err := s.open(r)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", r.id).Msg("skipping unreadable row")
			continue
		}
		results = append(results, item)
	}

	if err := s.touch(ctx, results); err != nil {
		s.logger.Warn().Err(err).Msg("update last accessed")
	}

	sort.SliceStable(results, func(i, j int) bool {
		return model.Less(results[i], results[j])
	})
	return results, nil
}

func (s *LongTerm) searchIndex(ctx context.Context, query string) ([]row, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	return s.queryRows(ctx,
		`SELECT `+columns+` FROM long_term
		 WHERE seq IN (SELECT rowid FROM long_term_fts WHERE long_term_fts MATCH ?)`,
		escapeFTS5Query(query))
}

// scan decrypts every row and keeps literal, case-insensitive matches.
func (s *LongTerm) scan(ctx context.Context, query string) ([]row, error) {
	all, err := s.queryRows(ctx, `SELECT `+columns+` FROM long_term`)
	if err != nil {
		return nil, err
	}
	var hits []row
	for _, r := range all {
		content, err := s.cipher.Decrypt(r.sealed)
		if err != nil {
			continue
		}
		if model.Matches(content, query) {
			hits = append(hits, r)
		}
	}
	return hits, nil
}

func (s *LongTerm) touch(ctx context.Context, items []model.MemoryItem) error {
	if len(items) == 0 {
		return nil
	}
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range items {
		items[i].Touch(now)
		if _, err := tx.ExecContext(ctx,
			`UPDATE long_term SET last_accessed = ? WHERE id = ?`,
			formatTime(items[i].LastAccessed), items[i].ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// escapeFTS5Query quotes the query as a single phrase so FTS5 operators in
// user input are matched literally.
func escapeFTS5Query(query string) string {
	query = strings.ReplaceAll(query, `"`, `""`)
	return `"` + query + `"`
}
