// Package archive receives long-term rows that aged out of the retention
// window.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Sink stores archived memories somewhere outside the tiers.
type Sink interface {
	Archive(ctx context.Context, items []model.MemoryItem) error
	Name() string
}

// Record is one archived memory as written by the sinks.
type Record struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Priority     float64           `json:"priority"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ArchivedAt   time.Time         `json:"archived_at"`
}

func newRecords(items []model.MemoryItem, at time.Time) []Record {
	out := make([]Record, 0, len(items))
	for _, it := range items {
		out = append(out, Record{
			ID:           it.ID,
			Content:      it.Content,
			Priority:     it.Priority,
			CreatedAt:    it.CreatedAt,
			LastAccessed: it.LastAccessed,
			Metadata:     it.Metadata,
			ArchivedAt:   at.UTC(),
		})
	}
	return out
}

// encodeJSONL writes one record per line.
func encodeJSONL(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("%w: encode archive record: %v", model.ErrSerialization, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeJSONL parses sink output back into records.
func DecodeJSONL(data []byte) ([]Record, error) {
	var out []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return out, fmt.Errorf("%w: decode archive record: %v", model.ErrSerialization, err)
		}
		out = append(out, r)
	}
	return out, nil
}
