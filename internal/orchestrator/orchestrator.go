// Package orchestrator owns the three memory tiers. It routes new memories by
// priority, promotes them between tiers, fans searches out across tiers and
// persists the in-memory tiers through a SecureStore.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/archive"
	"github.com/rcliao/tiered-memory/internal/cipher"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/securestore"
	"github.com/rcliao/tiered-memory/internal/store"
	"github.com/rcliao/tiered-memory/internal/tier"
)

const (
	DefaultLongTermThreshold    = 0.8
	DefaultCompressionThreshold = 0.8
	DefaultSaveDebounce         = 250 * time.Millisecond
)

// ErrClosed is returned by mutations after Shutdown.
var ErrClosed = errors.New("orchestrator shut down")

// Options configures an Orchestrator. SecureStore is required.
type Options struct {
	SecureStore securestore.SecureStore

	// LongTermPath is the SQLite file for the long-term tier.
	LongTermPath         string
	LongTermQueryTimeout time.Duration
	// OpenLongTerm overrides how the long-term tier is opened.
	OpenLongTerm func(c *cipher.Cipher) (store.Store, error)

	ShortTerm tier.ShortTermOptions
	MidTerm   tier.MidTermOptions

	// Items with priority above LongTermThreshold skip the short-term tier.
	LongTermThreshold float64
	// Short-term fill ratio above which AddMemory compresses.
	CompressionThreshold float64

	DisableAutoCompress bool
	DisableAutoSave     bool
	SkipLoad            bool
	AutoBackup          bool
	SaveDebounce        time.Duration

	// Retention is the default archive window.
	Retention time.Duration
	Archive   archive.Sink

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

func (o *Options) applyDefaults() {
	if o.LongTermThreshold <= 0 {
		o.LongTermThreshold = DefaultLongTermThreshold
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = DefaultCompressionThreshold
	}
	if o.SaveDebounce < 0 {
		o.SaveDebounce = 0
	} else if o.SaveDebounce == 0 {
		o.SaveDebounce = DefaultSaveDebounce
	}
	if o.Retention <= 0 {
		o.Retention = store.DefaultRetention
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Archive == nil {
		o.Archive = archive.DiscardSink{Logger: o.Logger}
	}
	if o.ShortTerm.Now == nil {
		o.ShortTerm.Now = o.Now
	}
	if o.MidTerm.Now == nil {
		o.MidTerm.Now = o.Now
	}
}

// Orchestrator is the only entry point to the tiers.
type Orchestrator struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	secure  securestore.SecureStore

	short *tier.ShortTerm
	mid   *tier.MidTerm
	long  store.Store

	compressMu sync.Mutex // serializes promotion sweeps
	saveMu     sync.Mutex // at most one save in flight

	dirty        chan struct{}
	stop         chan struct{}
	done         chan struct{}
	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	persist persistStats
}

// New obtains the content key from the secure store, opens the tiers, loads
// the last snapshot and starts the persistence worker.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.SecureStore == nil {
		return nil, fmt.Errorf("orchestrator: secure store required")
	}
	opts.applyDefaults()

	key, err := opts.SecureStore.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain content key: %w", err)
	}
	c, err := cipher.New(key)
	if err != nil {
		return nil, err
	}

	var long store.Store
	if opts.OpenLongTerm != nil {
		long, err = opts.OpenLongTerm(c)
	} else {
		long, err = store.NewLongTerm(opts.LongTermPath, c,
			store.Options{QueryTimeout: opts.LongTermQueryTimeout, Now: opts.Now}, opts.Logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open long-term tier: %w", err)
	}

	o := &Orchestrator{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "orchestrator").Logger(),
		metrics: opts.Metrics,
		secure:  opts.SecureStore,
		short:   tier.NewShortTerm(opts.ShortTerm, c),
		mid:     tier.NewMidTerm(opts.MidTerm, c),
		long:    long,
		dirty:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if !opts.SkipLoad {
		o.ForceLoad(ctx)
	}
	o.refreshGauges(ctx)

	go o.persistLoop()
	return o, nil
}

// AddMemory validates and stores a memory. Items above the long-term
// threshold go straight to the long-term tier; everything else lands in
// short-term. A snapshot is scheduled without waiting for it.
func (o *Orchestrator) AddMemory(ctx context.Context, content string, priority float64, metadata map[string]string) error {
	if o.closed.Load() {
		return ErrClosed
	}
	item, err := model.NewMemoryItem(content, priority, metadata, o.opts.Now())
	if err != nil {
		return err
	}

	if priority > o.opts.LongTermThreshold {
		if _, err := o.long.Add(ctx, []model.MemoryItem{item}); err != nil {
			return fmt.Errorf("add to long-term: %w", err)
		}
		o.refreshLongGauge(ctx)
		return nil
	}

	if err := o.short.Add(item); err != nil {
		return fmt.Errorf("add to short-term: %w", err)
	}

	if !o.opts.DisableAutoCompress {
		if _, err := o.AutoCompress(ctx, false); err != nil {
			o.logger.Warn().Err(err).Msg("auto compress")
		}
	}
	o.refreshGauges(ctx)
	o.markDirty()
	return nil
}

// CompressReport counts what one AutoCompress call moved.
type CompressReport struct {
	ShortToMid  int `json:"short_to_mid"`
	MidToLong   int `json:"mid_to_long"`
	MidEvicted  int `json:"mid_evicted"`
	ShortPruned int `json:"short_pruned"`
}

// AutoCompress runs the promotion sweep. Short-term is compressed into
// mid-term when its fill ratio exceeds the compression threshold, and
// mid-term into long-term when it is full or about to overflow. force runs
// both steps unconditionally.
func (o *Orchestrator) AutoCompress(ctx context.Context, force bool) (CompressReport, error) {
	o.compressMu.Lock()
	defer o.compressMu.Unlock()

	var report CompressReport
	var errs []error

	if force || o.short.FillRatio() > o.opts.CompressionThreshold {
		report.ShortPruned = o.short.Prune()

		promoted, err := o.short.Compress()
		if err != nil {
			errs = append(errs, fmt.Errorf("compress short-term: %w", err))
		}
		// Make room first so promotion does not evict resident items.
		if len(promoted) > 0 && o.mid.Len()+len(promoted) > o.mid.Capacity() {
			n, err := o.promoteMidLocked(ctx)
			report.MidToLong += n
			if err != nil {
				errs = append(errs, err)
			}
		}
		if len(promoted) > 0 {
			evicted, err := o.mid.Add(promoted)
			if err != nil {
				errs = append(errs, fmt.Errorf("add to mid-term: %w", err))
			}
			report.ShortToMid = len(promoted)
			report.MidEvicted += len(evicted)
			o.metrics.Promoted(string(model.TierShort), string(model.TierMid), len(promoted))
			o.metrics.Evicted(string(model.TierMid), len(evicted))
			if len(evicted) > 0 {
				o.logger.Info().Int("count", len(evicted)).Msg("evicted lowest-priority mid-term items")
			}
		}
	}

	if force || o.mid.Len() >= o.mid.Capacity() {
		n, err := o.promoteMidLocked(ctx)
		report.MidToLong += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if report.ShortToMid+report.MidToLong+report.ShortPruned > 0 {
		o.logger.Debug().
			Int("short_to_mid", report.ShortToMid).
			Int("mid_to_long", report.MidToLong).
			Int("mid_evicted", report.MidEvicted).
			Msg("compressed tiers")
		o.refreshGauges(ctx)
		o.markDirty()
	}
	return report, errors.Join(errs...)
}

// promoteMidLocked moves eligible mid-term items to long-term. If the
// long-term write fails the items are returned to mid-term.
func (o *Orchestrator) promoteMidLocked(ctx context.Context) (int, error) {
	promoted, err := o.mid.Compress()
	if err != nil {
		o.logger.Warn().Err(err).Msg("compress mid-term")
	}
	if len(promoted) == 0 {
		return 0, nil
	}
	if _, err := o.long.Add(ctx, promoted); err != nil {
		if _, rerr := o.mid.Add(promoted); rerr != nil {
			o.logger.Error().Err(rerr).Msg("return items to mid-term")
		}
		return 0, fmt.Errorf("promote to long-term: %w", err)
	}
	o.metrics.Promoted(string(model.TierMid), string(model.TierLong), len(promoted))
	return len(promoted), nil
}

// Prune drops expired short-term items.
func (o *Orchestrator) Prune() int {
	n := o.short.Prune()
	if n > 0 {
		o.metrics.SetTierItems(string(model.TierShort), o.short.Len())
		o.markDirty()
	}
	return n
}

// Get returns a long-term item by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.MemoryItem, error) {
	return o.long.Get(ctx, id)
}

// Delete removes a long-term item by id.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if err := o.long.Delete(ctx, id); err != nil {
		return err
	}
	o.refreshLongGauge(ctx)
	return nil
}

// Clear empties every tier and returns how many items were removed.
func (o *Orchestrator) Clear(ctx context.Context) (int, error) {
	if o.closed.Load() {
		return 0, ErrClosed
	}
	o.compressMu.Lock()
	defer o.compressMu.Unlock()

	n := o.short.Len() + o.mid.Len()
	o.short.Clear()
	o.mid.Clear()
	removed, err := o.long.Clear(ctx)
	n += removed

	o.refreshGauges(ctx)
	o.markDirty()
	if err != nil {
		return n, fmt.Errorf("clear long-term: %w", err)
	}
	return n, nil
}

// Contents holds every item per tier.
type Contents struct {
	ShortTerm []model.MemoryItem `json:"short_term"`
	MidTerm   []model.MemoryItem `json:"mid_term"`
	LongTerm  []model.MemoryItem `json:"long_term"`
}

// Contents returns decrypted copies of every tier. limit bounds the
// long-term listing (newest first); zero lists all.
func (o *Orchestrator) Contents(ctx context.Context, limit int) (Contents, error) {
	var c Contents
	var errs []error
	var err error

	if c.ShortTerm, err = o.short.Items(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", model.TierShort, err))
	}
	if c.MidTerm, err = o.mid.Items(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", model.TierMid, err))
	}
	if c.LongTerm, err = o.long.List(ctx, limit); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", model.TierLong, err))
	}
	return c, errors.Join(errs...)
}

func (o *Orchestrator) refreshGauges(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	o.metrics.SetTierItems(string(model.TierShort), o.short.Len())
	o.metrics.SetTierItems(string(model.TierMid), o.mid.Len())
	o.refreshLongGauge(ctx)
}

func (o *Orchestrator) refreshLongGauge(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	if n, err := o.long.Count(ctx); err == nil {
		o.metrics.SetTierItems(string(model.TierLong), n)
	}
}
