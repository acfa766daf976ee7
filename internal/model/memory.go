// Package model defines the core memory data types.
package model

import (
	"strings"
	"time"
)

// Tier identifies the store a memory currently lives in.
type Tier string

const (
	TierShort Tier = "short_term"
	TierMid   Tier = "mid_term"
	TierLong  Tier = "long_term"
)

// Tiers lists every tier from most to least durable.
var Tiers = []Tier{TierLong, TierMid, TierShort}

// rank orders tiers for deterministic tie-breaks in merged results.
func (t Tier) rank() int {
	switch t {
	case TierLong:
		return 0
	case TierMid:
		return 1
	case TierShort:
		return 2
	default:
		return 3
	}
}

// MemoryItem is a stored memory entry.
type MemoryItem struct {
	ID           string            `json:"id,omitempty"`
	Content      string            `json:"content"`
	Priority     float64           `json:"priority"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Tier         Tier              `json:"tier,omitempty"`
}

// NewMemoryItem validates the inputs and returns a fresh item created at now.
func NewMemoryItem(content string, priority float64, metadata map[string]string, now time.Time) (MemoryItem, error) {
	if err := Validate(content, priority); err != nil {
		return MemoryItem{}, err
	}
	now = now.UTC()
	return MemoryItem{
		Content:      content,
		Priority:     priority,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     copyMetadata(metadata),
	}, nil
}

// Validate checks the content and priority invariants.
func Validate(content string, priority float64) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	// NaN fails both comparisons, so test for the valid range.
	if !(priority >= 0 && priority <= 1) {
		return ErrInvalidPriority
	}
	return nil
}

// Clone returns a deep copy so that items move between tiers by value.
func (m MemoryItem) Clone() MemoryItem {
	m.Metadata = copyMetadata(m.Metadata)
	return m
}

// Touch bumps LastAccessed, never moving it before CreatedAt.
func (m *MemoryItem) Touch(now time.Time) {
	now = now.UTC()
	if now.Before(m.CreatedAt) {
		now = m.CreatedAt
	}
	if now.After(m.LastAccessed) {
		m.LastAccessed = now
	}
}

// Matches reports whether content contains query, ignoring case.
func Matches(content, query string) bool {
	return strings.Contains(strings.ToLower(content), strings.ToLower(query))
}

// TimeRange is an inclusive creation-time window. Zero bounds are open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Less orders items by priority descending, then creation time, then tier durability.
// It is meant for sort.SliceStable so that insertion order breaks the remaining ties.
func Less(a, b MemoryItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Tier.rank() < b.Tier.rank()
}

func copyMetadata(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
