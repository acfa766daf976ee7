// Package tier implements the in-memory short-term and mid-term memory tiers.
//
// Both tiers keep content encrypted at rest and hand items out by value, so a
// caller can never mutate a resident item through a returned copy.
package tier

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rcliao/tiered-memory/internal/cipher"
	"github.com/rcliao/tiered-memory/internal/model"
)

// entry is a resident item. item.Content is always empty; the text lives in sealed.
type entry struct {
	item   model.MemoryItem
	sealed []byte
	seq    uint64
}

type sealer struct {
	cipher *cipher.Cipher
	tier   model.Tier
	seq    uint64
}

func (s *sealer) seal(item model.MemoryItem) (entry, error) {
	sealed, err := s.cipher.Encrypt(item.Content)
	if err != nil {
		return entry{}, fmt.Errorf("seal %s item: %w", s.tier, err)
	}
	item = item.Clone()
	item.Content = ""
	item.ID = ""
	item.Tier = s.tier
	s.seq++
	return entry{item: item, sealed: sealed, seq: s.seq}, nil
}

func (s *sealer) open(e entry) (model.MemoryItem, error) {
	content, err := s.cipher.Decrypt(e.sealed)
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("open %s item: %w", s.tier, err)
	}
	item := e.item.Clone()
	item.Content = content
	return item, nil
}

// search matches query against every entry, touching the hits in place.
// Entries that fail to decrypt are skipped and reported in the joined error.
func (s *sealer) search(entries []entry, query string, now time.Time) ([]model.MemoryItem, error) {
	type hit struct {
		item model.MemoryItem
		seq  uint64
	}
	var hits []hit
	var errs []error
	for i := range entries {
		item, err := s.open(entries[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !model.Matches(item.Content, query) {
			continue
		}
		entries[i].item.Touch(now)
		item.LastAccessed = entries[i].item.LastAccessed
		hits = append(hits, hit{item: item, seq: entries[i].seq})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].item.Priority != hits[j].item.Priority {
			return hits[i].item.Priority > hits[j].item.Priority
		}
		return hits[i].seq < hits[j].seq
	})

	results := make([]model.MemoryItem, 0, len(hits))
	for _, h := range hits {
		results = append(results, h.item)
	}
	return results, errors.Join(errs...)
}

// openAll decrypts entries in the given order, skipping failures.
func (s *sealer) openAll(entries []entry) ([]model.MemoryItem, error) {
	items := make([]model.MemoryItem, 0, len(entries))
	var errs []error
	for _, e := range entries {
		item, err := s.open(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, item)
	}
	return items, errors.Join(errs...)
}

func defaultNow() time.Time { return time.Now().UTC() }
