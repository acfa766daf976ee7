package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Status tells a caller whether a search saw every tier.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded" // some tiers failed
	StatusFailed   Status = "failed"   // every tier failed
)

// SearchResult is the merged outcome of a cross-tier search.
type SearchResult struct {
	Items      []model.MemoryItem    `json:"items"`
	Status     Status                `json:"status"`
	TierErrors map[model.Tier]string `json:"tier_errors,omitempty"`
}

type tierSearch struct {
	tier  model.Tier
	items []model.MemoryItem
	err   error
}

// Search queries all tiers concurrently. A failing tier is logged and
// recorded in TierErrors while the other tiers' hits are still returned.
// Results are filtered by tr when given and ordered by priority descending,
// then creation time, then tier.
func (o *Orchestrator) Search(ctx context.Context, query string, tr *model.TimeRange) SearchResult {
	result := SearchResult{Items: []model.MemoryItem{}, Status: StatusOK}
	if strings.TrimSpace(query) == "" {
		return result
	}

	start := time.Now()
	defer func() { o.metrics.ObserveSearch(time.Since(start)) }()

	searches := []func() ([]model.MemoryItem, error){
		func() ([]model.MemoryItem, error) { return o.long.Search(ctx, query) },
		func() ([]model.MemoryItem, error) { return o.mid.Search(query) },
		func() ([]model.MemoryItem, error) { return o.short.Search(query) },
	}
	tiers := []model.Tier{model.TierLong, model.TierMid, model.TierShort}
	out := make([]tierSearch, len(searches))

	var wg sync.WaitGroup
	for i := range searches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					out[i] = tierSearch{tier: tiers[i], err: fmt.Errorf("panic: %v", r)}
				}
			}()
			items, err := searches[i]()
			out[i] = tierSearch{tier: tiers[i], items: items, err: err}
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, ts := range out {
		if ts.err != nil {
			failed++
			if result.TierErrors == nil {
				result.TierErrors = map[model.Tier]string{}
			}
			result.TierErrors[ts.tier] = ts.err.Error()
			o.metrics.SearchTierFailed(string(ts.tier))
			o.logger.Warn().Err(ts.err).Str("tier", string(ts.tier)).Msg("tier search failed")
		}
		// Tiers may report partial hits alongside an error.
		for _, it := range ts.items {
			if tr != nil && !tr.Contains(it.CreatedAt) {
				continue
			}
			result.Items = append(result.Items, it)
		}
	}

	switch {
	case failed == len(out):
		result.Status = StatusFailed
	case failed > 0:
		result.Status = StatusDegraded
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		return model.Less(result.Items[i], result.Items[j])
	})
	return result
}
