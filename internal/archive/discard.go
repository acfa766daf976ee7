package archive

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/model"
)

// DiscardSink drops archived rows, logging how many were dropped.
type DiscardSink struct {
	Logger zerolog.Logger
}

func (DiscardSink) Name() string { return "discard" }

func (d DiscardSink) Archive(ctx context.Context, items []model.MemoryItem) error {
	if len(items) > 0 {
		d.Logger.Warn().Int("count", len(items)).Msg("discarding archived memories")
	}
	return nil
}
