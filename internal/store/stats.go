package store

import (
	"context"
	"os"
	"time"
)

// Stats holds long-term tier statistics.
type Stats struct {
	DBPath      string     `json:"db_path"`
	DBSizeBytes int64      `json:"db_size_bytes"`
	Count       int        `json:"count"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	Newest      *time.Time `json:"newest,omitempty"`
}

// Count returns the number of rows.
func (s *LongTerm) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM long_term`).Scan(&n)
	return n, err
}

// Stats returns database statistics.
func (s *LongTerm) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	var oldest, newest *int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_unix), MAX(created_unix) FROM long_term`).
		Scan(&st.Count, &oldest, &newest)
	if err != nil {
		return st, err
	}
	if oldest != nil {
		t := time.Unix(0, *oldest).UTC()
		st.Oldest = &t
	}
	if newest != nil {
		t := time.Unix(0, *newest).UTC()
		st.Newest = &t
	}
	return st, nil
}
