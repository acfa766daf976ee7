package orchestrator

import (
	"context"

	"github.com/rcliao/tiered-memory/internal/securestore"
	"github.com/rcliao/tiered-memory/internal/store"
)

// TierStatus is the fill level of one tier. Capacity is zero when unbounded.
type TierStatus struct {
	Items    int    `json:"items"`
	Capacity int    `json:"capacity,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StorageStatus aggregates tier counts with secure store health.
type StorageStatus struct {
	ShortTerm          TierStatus          `json:"short_term"`
	MidTerm            TierStatus          `json:"mid_term"`
	LongTerm           TierStatus          `json:"long_term"`
	LongTermStats      *store.Stats        `json:"long_term_stats,omitempty"`
	SecureStore        securestore.Health  `json:"secure_store"`
	SecureStoreMetrics securestore.Metrics `json:"secure_store_metrics"`
	Persistence        PersistenceStats    `json:"persistence"`
	Archive            string              `json:"archive_sink"`
	Degraded           bool                `json:"degraded"`
}

// StorageStatus reports tier counts and persistence health. Degraded is set
// when the secure store is unhealthy, the last save failed, or the long-term
// tier cannot be counted.
func (o *Orchestrator) StorageStatus(ctx context.Context) StorageStatus {
	st := StorageStatus{
		ShortTerm:          TierStatus{Items: o.short.Len(), Capacity: o.short.Capacity()},
		MidTerm:            TierStatus{Items: o.mid.Len(), Capacity: o.mid.Capacity()},
		SecureStore:        o.secure.Health(ctx),
		SecureStoreMetrics: o.secure.Metrics(),
		Persistence:        o.persist.get(),
		Archive:            o.opts.Archive.Name(),
	}
	if stats, err := o.long.Stats(ctx); err != nil {
		st.LongTerm.Error = err.Error()
		st.Degraded = true
	} else {
		st.LongTerm.Items = stats.Count
		st.LongTermStats = stats
	}
	if !st.SecureStore.Healthy || st.Persistence.ConsecutiveFailures > 0 {
		st.Degraded = true
	}
	return st
}
