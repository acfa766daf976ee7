package tier

import (
	"errors"
	"sync"
	"time"

	"github.com/rcliao/tiered-memory/internal/cipher"
	"github.com/rcliao/tiered-memory/internal/model"
)

const (
	DefaultShortTermCapacity  = 1000
	DefaultShortTermTTL       = 24 * time.Hour
	DefaultShortTermPromotion = 0.7
)

// ShortTermOptions configures a ShortTerm tier. Zero values take defaults.
type ShortTermOptions struct {
	Capacity           int
	TTL                time.Duration
	PromotionThreshold float64
	Now                func() time.Time
}

func (o *ShortTermOptions) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultShortTermCapacity
	}
	if o.TTL <= 0 {
		o.TTL = DefaultShortTermTTL
	}
	if o.PromotionThreshold <= 0 {
		o.PromotionThreshold = DefaultShortTermPromotion
	}
	if o.Now == nil {
		o.Now = defaultNow
	}
}

// ShortTerm is a fixed-capacity ring of recent memories with TTL pruning.
// At capacity the oldest entry is overwritten.
type ShortTerm struct {
	mu      sync.Mutex
	opts    ShortTermOptions
	sealer  sealer
	entries []entry // oldest first
}

// NewShortTerm creates an empty short-term tier.
func NewShortTerm(opts ShortTermOptions, c *cipher.Cipher) *ShortTerm {
	opts.applyDefaults()
	return &ShortTerm{
		opts:    opts,
		sealer:  sealer{cipher: c, tier: model.TierShort},
		entries: make([]entry, 0, opts.Capacity),
	}
}

// Add prunes expired entries and then stores item.
func (s *ShortTerm) Add(item model.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()

	e, err := s.sealer.seal(item)
	if err != nil {
		return err
	}
	if len(s.entries) >= s.opts.Capacity {
		s.entries = append(s.entries[1:], e)
		return nil
	}
	s.entries = append(s.entries, e)
	return nil
}

// Prune drops entries older than the TTL and returns how many were removed.
func (s *ShortTerm) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *ShortTerm) pruneLocked() int {
	cutoff := s.opts.Now().Add(-s.opts.TTL)
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.item.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(s.entries) - len(kept)
	clear(s.entries[len(kept):])
	s.entries = kept
	return removed
}

// Search returns entries whose content contains query, ignoring case,
// ordered by priority descending with insertion order breaking ties.
func (s *ShortTerm) Search(query string) ([]model.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealer.search(s.entries, query, s.opts.Now())
}

// Compress removes and returns every entry at or above the promotion threshold.
func (s *ShortTerm) Compress() ([]model.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var promoted []entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.item.Priority >= s.opts.PromotionThreshold {
			promoted = append(promoted, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(s.entries[len(kept):])
	s.entries = kept

	return s.sealer.openAll(promoted)
}

// Items returns decrypted copies of every entry, oldest first.
func (s *ShortTerm) Items() ([]model.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealer.openAll(s.entries)
}

// Restore replaces the tier contents, keeping the newest entries that fit.
func (s *ShortTerm) Restore(items []model.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(items) > s.opts.Capacity {
		items = items[len(items)-s.opts.Capacity:]
	}
	entries := make([]entry, 0, s.opts.Capacity)
	var errs []error
	for _, item := range items {
		e, err := s.sealer.seal(item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, e)
	}
	s.entries = entries
	s.pruneLocked()
	return errors.Join(errs...)
}

// Clear removes every entry.
func (s *ShortTerm) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]entry, 0, s.opts.Capacity)
}

// Len returns the number of resident entries.
func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the configured capacity.
func (s *ShortTerm) Capacity() int { return s.opts.Capacity }

// FillRatio returns Len()/Capacity().
func (s *ShortTerm) FillRatio() float64 {
	return float64(s.Len()) / float64(s.opts.Capacity)
}
