package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/orchestrator"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled maintenance and expose metrics",
		Long: "Keep the tiers open, run compression, pruning, archival and saves on the configured " +
			"cron schedule and serve Prometheus metrics until interrupted.",
		Run: runServe,
	}

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()
	logger := a.log.Zerolog()

	mc := a.cfg.Maintenance
	maint, err := orchestrator.NewMaintenance(a.orch, orchestrator.Schedule{
		Compress: mc.Compress,
		Sweep:    mc.Sweep,
		Prune:    mc.Prune,
		Save:     mc.Save,
	}, logger)
	if err != nil {
		a.close()
		exitErr("schedule", err)
	}
	maint.Start()
	logger.Info().Int("jobs", maint.Entries()).Msg("maintenance scheduled")

	var srv *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if a.orch.StorageStatus(r.Context()).Degraded {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("degraded\n"))
				return
			}
			w.Write([]byte("ok\n"))
		})
		srv = &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := maint.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("maintenance jobs still running")
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}
