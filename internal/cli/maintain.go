package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	compress := &cobra.Command{
		Use:   "compress",
		Short: "Promote memories between tiers",
		Long:  "Run a promotion sweep. Without --force it only acts when a tier crosses its threshold.",
		Run:   runCompress,
	}
	compress.Flags().Bool("force", false, "Promote regardless of fill levels")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Archive long-term memories older than the retention window",
		Run:   runSweep,
	}
	sweep.Flags().Duration("window", 0, "Retention window (default: long_term.retention)")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop expired short-term memories",
		Run:   runPrune,
	}

	save := &cobra.Command{
		Use:   "save",
		Short: "Write a snapshot of the short- and mid-term tiers now",
		Run:   runSave,
	}

	load := &cobra.Command{
		Use:   "load",
		Short: "Replace the short- and mid-term tiers with the last snapshot",
		Run:   runLoad,
	}

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the long-term full-text index",
		Run:   runReindex,
	}

	RootCmd.AddCommand(compress, sweep, prune, save, load, reindex)
}

func runCompress(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	report, err := a.orch.AutoCompress(cmd.Context(), force)
	if err != nil {
		exitErr("compress", err)
	}
	printJSON(cmd, report)
}

func runSweep(cmd *cobra.Command, args []string) {
	window, _ := cmd.Flags().GetDuration("window")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if window <= 0 {
		window = a.cfg.LongTerm.Retention
	}
	n, err := a.orch.ArchiveSweep(cmd.Context(), window)
	if err != nil {
		exitErr("sweep", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"archived":%d,"window":%q}`+"\n", n, window.String())
}

func runPrune(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"pruned":%d}`+"\n", a.orch.Prune())
}

func runSave(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	ok := a.orch.ForceSave(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":%t,"at":%q}`+"\n", ok, time.Now().UTC().Format(time.RFC3339))
	if !ok {
		a.close()
		exitErr("save", fmt.Errorf("snapshot was not saved, see logs"))
	}
}

func runLoad(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	loaded := a.orch.ForceLoad(cmd.Context())
	st := a.orch.StorageStatus(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"loaded":%t,"short_term":%d,"mid_term":%d}`+"\n",
		loaded, st.ShortTerm.Items, st.MidTerm.Items)
}

func runReindex(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	n, err := a.orch.Reindex(cmd.Context())
	if err != nil {
		exitErr("reindex", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"reindexed":%d}`+"\n", n)
}
