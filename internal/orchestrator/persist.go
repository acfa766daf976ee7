package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/securestore"
)

// PersistenceStats counts snapshot activity seen by the orchestrator.
type PersistenceStats struct {
	Saves               int64      `json:"saves"`
	SaveFailures        int64      `json:"save_failures"`
	Loads               int64      `json:"loads"`
	LoadFailures        int64      `json:"load_failures"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSave            *time.Time `json:"last_save,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

type persistStats struct {
	mu sync.Mutex
	s  PersistenceStats
}

func (p *persistStats) record(save bool, at time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case save && err == nil:
		p.s.Saves++
		at = at.UTC()
		p.s.LastSave = &at
	case save:
		p.s.SaveFailures++
	case err == nil:
		p.s.Loads++
	default:
		p.s.LoadFailures++
	}
	if err != nil {
		p.s.ConsecutiveFailures++
		p.s.LastError = err.Error()
		return
	}
	p.s.ConsecutiveFailures = 0
	p.s.LastError = ""
}

func (p *persistStats) get() PersistenceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.s
	if s.LastSave != nil {
		ls := *s.LastSave
		s.LastSave = &ls
	}
	return s
}

// markDirty signals the persistence worker. Signals raised while one is
// pending collapse into it.
func (o *Orchestrator) markDirty() {
	if o.opts.DisableAutoSave || o.closed.Load() {
		return
	}
	select {
	case o.dirty <- struct{}{}:
	default:
	}
}

// persistLoop is the single background writer.
func (o *Orchestrator) persistLoop() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case <-o.dirty:
		}

		if o.opts.SaveDebounce > 0 {
			timer := time.NewTimer(o.opts.SaveDebounce)
			select {
			case <-timer.C:
			case <-o.stop:
				timer.Stop()
				return
			}
		}
		o.save(context.Background())
	}
}

// Snapshot captures the short- and mid-term tiers.
func (o *Orchestrator) Snapshot() (securestore.Snapshot, error) {
	var errs []error
	short, err := o.short.Items()
	if err != nil {
		errs = append(errs, err)
	}
	mid, err := o.mid.Items()
	if err != nil {
		errs = append(errs, err)
	}
	return securestore.NewSnapshot(short, mid, o.opts.Now()), errors.Join(errs...)
}

func (o *Orchestrator) save(ctx context.Context) (err error) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: save panicked: %v", model.ErrStorageUnavailable, r)
		}
		o.persist.record(true, o.opts.Now(), err)
		o.metrics.SnapshotSaved(err == nil)
		if err != nil {
			o.logger.Error().Err(err).Msg("snapshot save failed")
		}
	}()

	snap, serr := o.Snapshot()
	if serr != nil {
		o.logger.Warn().Err(serr).Msg("snapshot skipped unreadable items")
	}
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := o.secure.Save(ctx, data, o.opts.AutoBackup); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	o.logger.Debug().Int("items", snap.TotalCount).Int("bytes", len(data)).Msg("snapshot saved")
	return nil
}

// ForceSave writes a snapshot synchronously.
func (o *Orchestrator) ForceSave(ctx context.Context) bool {
	return o.save(ctx) == nil
}

// ForceLoad replaces the short- and mid-term tiers with the last snapshot.
// It returns false when nothing was restored.
func (o *Orchestrator) ForceLoad(ctx context.Context) bool {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()

	data, err := o.secure.Load(ctx)
	if errors.Is(err, securestore.ErrNoSnapshot) {
		o.logger.Info().Msg("no snapshot to load")
		return false
	}
	if err == nil {
		err = o.restore(data)
	}
	o.persist.record(false, o.opts.Now(), err)
	if err != nil {
		o.logger.Error().Err(err).Msg("snapshot load failed")
		return false
	}
	o.refreshGauges(ctx)
	return true
}

func (o *Orchestrator) restore(data []byte) error {
	snap, err := securestore.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	short, serr := securestore.FromSnapshotItems(snap.ShortTerm, model.TierShort)
	mid, merr := securestore.FromSnapshotItems(snap.MidTerm, model.TierMid)
	if err := errors.Join(serr, merr); err != nil {
		o.logger.Warn().Err(err).Msg("snapshot contained invalid items")
	}

	o.compressMu.Lock()
	defer o.compressMu.Unlock()
	if err := o.short.Restore(short); err != nil {
		return err
	}
	if err := o.mid.Restore(mid); err != nil {
		return err
	}
	o.logger.Info().Int("short_term", len(short)).Int("mid_term", len(mid)).Msg("snapshot loaded")
	return nil
}

// Shutdown stops the worker, saves a final snapshot and shuts the secure
// store down. The secure store and long-term tier are closed even when the
// final save fails or panics.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.closed.Store(true)
		close(o.stop)
		<-o.done

		var errs []error
		defer func() {
			if err := o.secure.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown secure store: %w", err))
			}
			if err := o.long.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close long-term tier: %w", err))
			}
			o.shutdownErr = errors.Join(errs...)
		}()

		if err := o.save(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final save: %w", err))
		}
	})
	return o.shutdownErr
}
