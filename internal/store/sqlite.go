package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rcliao/tiered-memory/internal/cipher"
	"github.com/rcliao/tiered-memory/internal/model"
)

// LongTerm implements Store using SQLite. Writes go through a single writer
// lock so the full-text index never diverges from the row store.
type LongTerm struct {
	db      *sql.DB
	path    string
	cipher  *cipher.Cipher
	opts    Options
	logger  zerolog.Logger
	mu      sync.Mutex // single writer
	entropy *rand.Rand
}

var _ Store = (*LongTerm)(nil)

// NewLongTerm opens or creates a SQLite database at the given path.
func NewLongTerm(dbPath string, c *cipher.Cipher, opts Options, logger zerolog.Logger) (*LongTerm, error) {
	opts.applyDefaults()

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", model.ErrStorageUnavailable, err)
	}

	s := &LongTerm{
		db:      db,
		path:    dbPath,
		cipher:  c,
		opts:    opts,
		logger:  logger.With().Str("tier", string(model.TierLong)).Logger(),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *LongTerm) newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *LongTerm) migrate() error {
	// The index is contentless, but trigram postings carry positions, so the
	// indexed text can largely be reconstructed from long_term_fts_data.
	schema := `
	CREATE TABLE IF NOT EXISTS long_term (
		seq           INTEGER PRIMARY KEY,
		id            TEXT NOT NULL UNIQUE,
		content       BLOB NOT NULL,
		priority      REAL NOT NULL,
		created_at    TEXT NOT NULL,
		created_unix  INTEGER NOT NULL,
		last_accessed TEXT NOT NULL,
		metadata      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_long_term_created ON long_term(created_unix);
	CREATE INDEX IF NOT EXISTS idx_long_term_priority ON long_term(priority DESC);

	CREATE VIRTUAL TABLE IF NOT EXISTS long_term_fts USING fts5(
		body,
		content='',
		contentless_delete=1,
		tokenize='trigram'
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add encrypts and inserts items, indexing each one in the same transaction.
func (s *LongTerm) Add(ctx context.Context, items []model.MemoryItem) ([]model.MemoryItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", model.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	stored := make([]model.MemoryItem, 0, len(items))
	for _, item := range items {
		item = item.Clone()
		if item.LastAccessed.Before(item.CreatedAt) {
			item.LastAccessed = item.CreatedAt
		}
		item.ID = s.newID(item.CreatedAt)
		item.Tier = model.TierLong

		sealed, err := s.cipher.Encrypt(item.Content)
		if err != nil {
			return nil, err
		}
		meta, err := json.Marshal(item.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal metadata: %v", model.ErrSerialization, err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO long_term (id, content, priority, created_at, created_unix, last_accessed, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, sealed, item.Priority, formatTime(item.CreatedAt), item.CreatedAt.UnixNano(),
			formatTime(item.LastAccessed), string(meta))
		if err != nil {
			return nil, fmt.Errorf("insert memory: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert memory: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO long_term_fts (rowid, body) VALUES (?, ?)`, seq, item.Content); err != nil {
			return nil, fmt.Errorf("index memory: %w", err)
		}
		stored = append(stored, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", model.ErrStorageUnavailable, err)
	}
	return stored, nil
}

// Get retrieves a row by id without touching its access time.
func (s *LongTerm) Get(ctx context.Context, id string) (*model.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM long_term WHERE id = ?`, id)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	item, err := s.open(r)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Delete removes a row and its index entry.
func (s *LongTerm) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", model.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM long_term WHERE id = ?`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if err := deleteSeqs(ctx, tx, []int64{seq}); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear removes every row and resets the index.
func (s *LongTerm) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", model.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM long_term`)
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO long_term_fts (long_term_fts) VALUES ('delete-all')`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// Rebuild drops the full-text index and re-indexes every row from the row store.
func (s *LongTerm) Rebuild(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.queryRows(ctx, `SELECT `+columns+` FROM long_term ORDER BY seq`)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", model.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO long_term_fts (long_term_fts) VALUES ('delete-all')`); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}
	for _, r := range rows {
		item, err := s.open(r)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO long_term_fts (rowid, body) VALUES (?, ?)`, r.seq, item.Content); err != nil {
			return 0, fmt.Errorf("index memory: %w", err)
		}
	}
	return len(rows), tx.Commit()
}

// Close closes the store.
func (s *LongTerm) Close() error {
	return s.db.Close()
}

func deleteSeqs(ctx context.Context, tx *sql.Tx, seqs []int64) error {
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM long_term_fts WHERE rowid = ?`, seq); err != nil {
			return fmt.Errorf("unindex memory: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM long_term WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete memory: %w", err)
		}
	}
	return nil
}

const columns = `seq, id, content, priority, created_at, last_accessed, metadata`

// row is a raw long-term record before decryption.
type row struct {
	seq          int64
	id           string
	sealed       []byte
	priority     float64
	createdAt    string
	lastAccessed string
	metadata     sql.NullString
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(sc scanner) (row, error) {
	var r row
	err := sc.Scan(&r.seq, &r.id, &r.sealed, &r.priority, &r.createdAt, &r.lastAccessed, &r.metadata)
	return r, err
}

func (s *LongTerm) queryRows(ctx context.Context, query string, args ...interface{}) ([]row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LongTerm) open(r row) (model.MemoryItem, error) {
	content, err := s.cipher.Decrypt(r.sealed)
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("open row %s: %w", r.id, err)
	}
	item := model.MemoryItem{
		ID:       r.id,
		Content:  content,
		Priority: r.priority,
		Tier:     model.TierLong,
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.createdAt)
	item.LastAccessed, _ = time.Parse(time.RFC3339Nano, r.lastAccessed)
	if r.metadata.Valid && r.metadata.String != "" && r.metadata.String != "null" {
		if err := json.Unmarshal([]byte(r.metadata.String), &item.Metadata); err != nil {
			return model.MemoryItem{}, fmt.Errorf("%w: metadata of %s: %v", model.ErrSerialization, r.id, err)
		}
	}
	return item, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
