package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every tier as JSON",
		Long:  "Export decrypted memories from every tier as JSON, oldest first. The output can be fed to import.",
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	c, err := a.orch.Export(cmd.Context())
	if err != nil {
		exitErr("export", err)
	}
	printJSON(cmd, c)
}
