package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Schedule holds cron specs for the maintenance jobs. Empty specs are skipped.
// Both five-field expressions and descriptors such as "@every 5m" are accepted.
type Schedule struct {
	Compress string
	Sweep    string
	Prune    string
	Save     string
}

// Maintenance runs periodic compression, pruning, archival and saves.
type Maintenance struct {
	o       *Orchestrator
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration
}

// NewMaintenance validates the schedule and registers the jobs.
func NewMaintenance(o *Orchestrator, s Schedule, logger zerolog.Logger) (*Maintenance, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	m := &Maintenance{
		o:       o,
		cron:    cron.New(cron.WithParser(parser)),
		logger:  logger.With().Str("component", "maintenance").Logger(),
		timeout: time.Minute,
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"compress", s.Compress, m.compress},
		{"sweep", s.Sweep, m.sweep},
		{"prune", s.Prune, m.prune},
		{"save", s.Save, m.save},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		if _, err := m.cron.AddFunc(j.spec, func() { m.runJob(run) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		m.logger.Debug().Str("job", j.name).Str("spec", j.spec).Msg("scheduled")
	}
	return m, nil
}

func (m *Maintenance) runJob(run func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	run(ctx)
}

func (m *Maintenance) compress(ctx context.Context) {
	report, err := m.o.AutoCompress(ctx, false)
	if err != nil {
		m.logger.Warn().Err(err).Msg("compress")
		return
	}
	m.logger.Debug().Int("short_to_mid", report.ShortToMid).Int("mid_to_long", report.MidToLong).Msg("compress")
}

func (m *Maintenance) sweep(ctx context.Context) {
	n, err := m.o.ArchiveSweep(ctx, 0)
	if err != nil {
		m.logger.Error().Err(err).Msg("archive sweep")
		return
	}
	m.logger.Info().Int("archived", n).Msg("archive sweep")
}

func (m *Maintenance) prune(ctx context.Context) {
	if n := m.o.Prune(); n > 0 {
		m.logger.Debug().Int("pruned", n).Msg("prune short-term")
	}
}

func (m *Maintenance) save(ctx context.Context) {
	if !m.o.ForceSave(ctx) {
		m.logger.Warn().Msg("scheduled save failed")
	}
}

// Entries returns the number of scheduled jobs.
func (m *Maintenance) Entries() int {
	return len(m.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop stops the scheduler and waits for running jobs up to ctx.
func (m *Maintenance) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
