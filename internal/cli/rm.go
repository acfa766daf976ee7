package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a long-term memory",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every memory in every tier",
		Run:   runClear,
	}
	clearCmd.Flags().Bool("yes", false, "Confirm the irreversible delete")

	RootCmd.AddCommand(rm, clearCmd)
}

func runRm(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	if err := a.orch.Delete(cmd.Context(), args[0]); err != nil {
		exitErr("rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q}`+"\n", args[0])
}

func runClear(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		exitErr("clear", fmt.Errorf("refusing to delete everything without --yes"))
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	n, err := a.orch.Clear(cmd.Context())
	if err != nil {
		exitErr("clear", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"removed":%d}`+"\n", n)
}
