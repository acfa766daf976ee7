package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// FileSink appends records to one JSONL file per UTC day.
type FileSink struct {
	Dir string
	Now func() time.Time

	mu sync.Mutex
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Path returns the file written for day t.
func (s *FileSink) Path(t time.Time) string {
	return filepath.Join(s.Dir, "archive-"+t.UTC().Format("2006-01-02")+".jsonl")
}

func (s *FileSink) Archive(ctx context.Context, items []model.MemoryItem) error {
	if len(items) == 0 {
		return nil
	}
	now := s.now()
	data, err := encodeJSONL(newRecords(items, now))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(now), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write archive file: %w", err)
	}
	return f.Close()
}
