package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Store a memory",
		Long: "Store a memory. Content can be a positional arg or piped via stdin. " +
			"Priorities above the long-term threshold skip the short-term tier.",
		Run: runAdd,
	}

	cmd.Flags().Float64P("priority", "p", 0.5, "Priority in [0, 1]")
	cmd.Flags().StringToStringP("meta", "m", nil, "Metadata as key=value pairs")

	RootCmd.AddCommand(cmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	priority, _ := cmd.Flags().GetFloat64("priority")
	meta, _ := cmd.Flags().GetStringToString("meta")

	// Get content: positional arg first, then check stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		exitErr("add", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if err := a.orch.AddMemory(cmd.Context(), content, priority, meta); err != nil {
		exitErr("add", err)
	}

	placed := model.TierShort
	if priority > a.cfg.Routing.LongTermThreshold {
		placed = model.TierLong
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"tier":%q,"priority":%v}`+"\n", placed, priority)
}
