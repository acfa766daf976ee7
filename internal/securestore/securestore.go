// Package securestore persists encrypted tier snapshots and owns the content
// encryption key.
package securestore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot saved")

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("secure store closed")

// SecureStore persists opaque snapshots and hands out the content key.
type SecureStore interface {
	// Key returns the 32-byte content encryption key, creating it on first use.
	Key(ctx context.Context) ([]byte, error)

	// Save replaces the current snapshot. With autoBackup the previous
	// snapshot is kept as a backup first.
	Save(ctx context.Context, snapshot []byte, autoBackup bool) error

	// Load returns the current snapshot or ErrNoSnapshot.
	Load(ctx context.Context) ([]byte, error)

	Health(ctx context.Context) Health
	Metrics() Metrics

	// Shutdown releases resources. It is safe to call more than once.
	Shutdown(ctx context.Context) error
}

// Health reports whether the backend is currently usable.
type Health struct {
	Backend             string     `json:"backend"`
	Healthy             bool       `json:"healthy"`
	LastError           string     `json:"last_error,omitempty"`
	LastSave            *time.Time `json:"last_save,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Metrics are cumulative counters since the store was opened.
type Metrics struct {
	Saves            int64         `json:"saves"`
	SaveFailures     int64         `json:"save_failures"`
	Loads            int64         `json:"loads"`
	LoadFailures     int64         `json:"load_failures"`
	Backups          int64         `json:"backups"`
	BytesWritten     int64         `json:"bytes_written"`
	LastSaveDuration time.Duration `json:"last_save_duration"`
}

// tracker accumulates Health and Metrics for a backend.
type tracker struct {
	mu      sync.Mutex
	backend string
	health  Health
	metrics Metrics
	closed  bool
}

func newTracker(backend string) *tracker {
	return &tracker{backend: backend, health: Health{Backend: backend, Healthy: true}}
}

func (t *tracker) saved(n int, took time.Duration, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.Saves++
	t.metrics.BytesWritten += int64(n)
	t.metrics.LastSaveDuration = took
	at = at.UTC()
	t.health.LastSave = &at
	t.ok()
}

func (t *tracker) saveFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.SaveFailures++
	t.fail(err)
}

func (t *tracker) loaded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.Loads++
	t.ok()
}

func (t *tracker) loadFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.LoadFailures++
	t.fail(err)
}

func (t *tracker) backedUp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.Backups++
}

func (t *tracker) ok() {
	t.health.Healthy = true
	t.health.LastError = ""
	t.health.ConsecutiveFailures = 0
}

func (t *tracker) fail(err error) {
	t.health.Healthy = false
	t.health.LastError = err.Error()
	t.health.ConsecutiveFailures++
}

func (t *tracker) close() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.closed
	t.closed = true
	t.health.Healthy = false
	t.health.LastError = ErrClosed.Error()
	return !was
}

func (t *tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *tracker) snapshot() (Health, Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.health
	if h.LastSave != nil {
		ls := *h.LastSave
		h.LastSave = &ls
	}
	return h, t.metrics
}
