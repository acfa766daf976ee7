package cli

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/orchestrator"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import memories from JSON",
		Long:  "Import memories from JSON on stdin. Expects the format produced by export.",
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		exitErr("read stdin", err)
	}

	var c orchestrator.Contents
	if err := json.Unmarshal(data, &c); err != nil {
		exitErr("parse json", err)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.close()

	imported, err := a.orch.Import(cmd.Context(), c)
	if err != nil {
		zl := a.log.Zerolog()
		zl.Warn().Err(err).Msg("some memories were skipped")
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":%t,"imported":%d}`+"\n", err == nil, imported)
}
