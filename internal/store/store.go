// Package store provides the long-term memory tier: a SQLite row store with a
// trigram full-text index over the decrypted content.
package store

import (
	"context"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

const (
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultQueryTimeout = 2 * time.Second
)

// Options configures a LongTerm store. Zero values take defaults.
type Options struct {
	// QueryTimeout bounds a single full-text query.
	QueryTimeout time.Duration
	Now          func() time.Time
}

func (o *Options) applyDefaults() {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = DefaultQueryTimeout
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Store defines the long-term tier as seen by the orchestrator.
type Store interface {
	// Add persists items and returns the stored copies with their ids.
	Add(ctx context.Context, items []model.MemoryItem) ([]model.MemoryItem, error)

	// Search returns items whose content contains query, priority descending.
	Search(ctx context.Context, query string) ([]model.MemoryItem, error)

	// ArchiveSweep removes and returns rows older than window, committing
	// only if archive accepts them.
	ArchiveSweep(ctx context.Context, window time.Duration, archive ArchiveFunc) ([]model.MemoryItem, error)

	// Get retrieves a row by id.
	Get(ctx context.Context, id string) (*model.MemoryItem, error)

	// Delete removes a row by id.
	Delete(ctx context.Context, id string) error

	// Clear removes every row.
	Clear(ctx context.Context) (int, error)

	// List returns rows newest first; limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]model.MemoryItem, error)

	// ExportAll returns every row oldest first.
	ExportAll(ctx context.Context) ([]model.MemoryItem, error)

	// Count returns the number of rows.
	Count(ctx context.Context) (int, error)

	// Stats reports row count, time span and on-disk size.
	Stats(ctx context.Context) (*Stats, error)

	// Rebuild re-creates the full-text index from the row store.
	Rebuild(ctx context.Context) (int, error)

	// Close closes the store.
	Close() error
}
