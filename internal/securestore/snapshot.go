package securestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Snapshot is the persisted state of the in-memory tiers.
type Snapshot struct {
	ShortTerm  []SnapshotItem `json:"short_term"`
	MidTerm    []SnapshotItem `json:"mid_term"`
	LastSave   time.Time      `json:"last_save"`
	TotalCount int            `json:"total_count"`
}

// SnapshotItem is one memory inside a Snapshot. Ids and tiers are not kept.
type SnapshotItem struct {
	Content      string            `json:"content"`
	Priority     float64           `json:"priority"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewSnapshot builds a snapshot from tier contents.
func NewSnapshot(short, mid []model.MemoryItem, at time.Time) Snapshot {
	return Snapshot{
		ShortTerm:  toSnapshotItems(short),
		MidTerm:    toSnapshotItems(mid),
		LastSave:   at.UTC(),
		TotalCount: len(short) + len(mid),
	}
}

func toSnapshotItems(items []model.MemoryItem) []SnapshotItem {
	out := make([]SnapshotItem, 0, len(items))
	for _, it := range items {
		out = append(out, SnapshotItem{
			Content:      it.Content,
			Priority:     it.Priority,
			CreatedAt:    it.CreatedAt,
			LastAccessed: it.LastAccessed,
			Metadata:     it.Metadata,
		})
	}
	return out
}

// FromSnapshotItems converts snapshot entries back into memory items for tier.
// Entries that fail validation are skipped and reported together.
func FromSnapshotItems(entries []SnapshotItem, tier model.Tier) ([]model.MemoryItem, error) {
	items := make([]model.MemoryItem, 0, len(entries))
	var errs []error
	for i, e := range entries {
		if err := model.Validate(e.Content, e.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", tier, i, err))
			continue
		}
		item := model.MemoryItem{
			Content:      e.Content,
			Priority:     e.Priority,
			CreatedAt:    e.CreatedAt.UTC(),
			LastAccessed: e.LastAccessed.UTC(),
			Metadata:     e.Metadata,
			Tier:         tier,
		}
		if item.LastAccessed.Before(item.CreatedAt) {
			item.LastAccessed = item.CreatedAt
		}
		items = append(items, item)
	}
	return items, errors.Join(errs...)
}

// Encode serializes the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: encode snapshot: %v", model.ErrSerialization, err)
	}
	return data, nil
}

// DecodeSnapshot parses data produced by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", model.ErrSerialization, err)
	}
	return s, nil
}
