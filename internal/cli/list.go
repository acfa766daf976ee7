package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories per tier",
		Run:   runList,
	}

	cmd.Flags().String("tier", "", "Only this tier: short_term, mid_term or long_term")
	cmd.Flags().IntP("limit", "l", 20, "Max long-term rows, newest first (0 for all)")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	only, _ := cmd.Flags().GetString("tier")
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	c, err := a.orch.Contents(cmd.Context(), limit)
	if err != nil {
		exitErr("list", err)
	}

	switch model.Tier(only) {
	case "":
		printJSON(cmd, c)
	case model.TierShort:
		printJSON(cmd, c.ShortTerm)
	case model.TierMid:
		printJSON(cmd, c.MidTerm)
	case model.TierLong:
		printJSON(cmd, c.LongTerm)
	default:
		exitErr("list", fmt.Errorf("unknown tier %q", only))
	}
}
