package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/orchestrator"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories across all tiers",
		Long: "Case-insensitive substring search over every tier. Results are merged by priority. " +
			"--since and --until take RFC3339 timestamps or durations relative to now (e.g. 24h).",
		Args: cobra.MinimumNArgs(1),
		Run:  runSearch,
	}

	cmd.Flags().String("since", "", "Only memories created at or after this time")
	cmd.Flags().String("until", "", "Only memories created at or before this time")
	cmd.Flags().IntP("limit", "l", 20, "Max results (0 for all)")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	tr, err := parseTimeRange(since, until, time.Now().UTC())
	if err != nil {
		exitErr("search", err)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	res := a.orch.Search(cmd.Context(), query, tr)
	if limit > 0 && len(res.Items) > limit {
		res.Items = res.Items[:limit]
	}
	printJSON(cmd, res)
	if res.Status == orchestrator.StatusFailed {
		a.close()
		exitErr("search", fmt.Errorf("every tier failed"))
	}
}

// parseTimeRange returns nil when neither bound is set.
func parseTimeRange(since, until string, now time.Time) (*model.TimeRange, error) {
	if since == "" && until == "" {
		return nil, nil
	}
	var tr model.TimeRange
	var err error
	if since != "" {
		if tr.Start, err = parseTimeBound(since, now); err != nil {
			return nil, fmt.Errorf("--since: %w", err)
		}
	}
	if until != "" {
		if tr.End, err = parseTimeBound(until, now); err != nil {
			return nil, fmt.Errorf("--until: %w", err)
		}
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return nil, fmt.Errorf("--until is before --since")
	}
	return &tr, nil
}

func parseTimeBound(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, s)
}
