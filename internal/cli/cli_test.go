package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/orchestrator"
)

// execute runs the root command against dir and returns stdout.
func execute(t *testing.T, dir string, stdin string, args ...string) string {
	t.Helper()
	resetFlags(RootCmd)

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetIn(strings.NewReader(stdin))
	RootCmd.SetArgs(append([]string{"--data-dir", dir, "--log-level", "error"}, args...))
	require.NoError(t, RootCmd.Execute())
	return out.String()
}

// resetFlags restores flag defaults between runs of the shared command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestAddSearchStatus(t *testing.T) {
	dir := t.TempDir()

	out := execute(t, dir, "", "add", "-p", "0.6", "User prefers dark coffee")
	added := decode[map[string]interface{}](t, out)
	assert.Equal(t, "short_term", added["tier"])

	out = execute(t, dir, "", "add", "--priority", "0.95", "Critical", "security", "incident")
	added = decode[map[string]interface{}](t, out)
	assert.Equal(t, "long_term", added["tier"])

	// The short-term item survives the process boundary through the snapshot.
	res := decode[orchestrator.SearchResult](t, execute(t, dir, "", "search", "coffee"))
	assert.Equal(t, orchestrator.StatusOK, res.Status)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "User prefers dark coffee", res.Items[0].Content)

	res = decode[orchestrator.SearchResult](t, execute(t, dir, "", "search", "security"))
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.TierLong, res.Items[0].Tier)

	res = decode[orchestrator.SearchResult](t, execute(t, dir, "", "search", "nothing", "here"))
	assert.Equal(t, orchestrator.StatusOK, res.Status)
	assert.Empty(t, res.Items)

	st := decode[orchestrator.StorageStatus](t, execute(t, dir, "", "status"))
	assert.Equal(t, 1, st.ShortTerm.Items)
	assert.Equal(t, 1, st.LongTerm.Items)
	assert.False(t, st.Degraded)
	assert.Equal(t, "file", st.SecureStore.Backend)
	assert.Equal(t, "file", st.Archive)
}

func TestListGetRm(t *testing.T) {
	dir := t.TempDir()
	execute(t, dir, "", "add", "-p", "0.9", "-m", "source=test", "durable fact")
	execute(t, dir, "", "add", "-p", "0.3", "passing thought")

	long := decode[[]model.MemoryItem](t, execute(t, dir, "", "list", "--tier", "long_term"))
	require.Len(t, long, 1)
	assert.Equal(t, "test", long[0].Metadata["source"])

	all := decode[orchestrator.Contents](t, execute(t, dir, "", "list"))
	assert.Len(t, all.ShortTerm, 1)
	assert.Len(t, all.LongTerm, 1)

	got := decode[model.MemoryItem](t, execute(t, dir, "", "get", long[0].ID))
	assert.Equal(t, "durable fact", got.Content)

	out := execute(t, dir, "", "rm", long[0].ID)
	assert.Contains(t, out, long[0].ID)

	all = decode[orchestrator.Contents](t, execute(t, dir, "", "list"))
	assert.Empty(t, all.LongTerm)

	out = execute(t, dir, "", "clear", "--yes")
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, out)["removed"])
}

func TestExportImport(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	execute(t, src, "", "add", "-p", "0.9", "exported long")
	execute(t, src, "", "add", "-p", "0.2", "exported short")

	dump := execute(t, src, "", "export")
	c := decode[orchestrator.Contents](t, dump)
	assert.Len(t, c.LongTerm, 1)
	assert.Len(t, c.ShortTerm, 1)

	out := execute(t, dst, dump, "import")
	result := decode[map[string]interface{}](t, out)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, float64(2), result["imported"])

	res := decode[orchestrator.SearchResult](t, execute(t, dst, "", "search", "exported"))
	assert.Len(t, res.Items, 2)
}

func TestMaintenanceCommands(t *testing.T) {
	dir := t.TempDir()
	execute(t, dir, "", "add", "-p", "0.75", "worth keeping")
	execute(t, dir, "", "add", "-p", "0.95", "indexed")

	report := decode[orchestrator.CompressReport](t, execute(t, dir, "", "compress", "--force"))
	assert.Equal(t, 1, report.ShortToMid)

	all := decode[orchestrator.Contents](t, execute(t, dir, "", "list"))
	assert.Equal(t, []string{"worth keeping"}, contentsOf(all.MidTerm))

	out := execute(t, dir, "", "sweep", "--window", "1h")
	assert.Equal(t, float64(0), decode[map[string]interface{}](t, out)["archived"])

	out = execute(t, dir, "", "prune")
	assert.Equal(t, float64(0), decode[map[string]interface{}](t, out)["pruned"])

	out = execute(t, dir, "", "save")
	assert.Equal(t, true, decode[map[string]interface{}](t, out)["ok"])

	out = execute(t, dir, "", "load")
	loaded := decode[map[string]interface{}](t, out)
	assert.Equal(t, true, loaded["loaded"])
	assert.Equal(t, float64(1), loaded["mid_term"])

	out = execute(t, dir, "", "reindex")
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, out)["reindexed"])
}

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tr, err := parseTimeRange("", "", now)
	require.NoError(t, err)
	assert.Nil(t, tr)

	tr, err = parseTimeRange("24h", "", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), tr.Start)
	assert.True(t, tr.End.IsZero())

	tr, err = parseTimeRange("2026-04-01T00:00:00Z", "2026-04-02T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), tr.End)

	_, err = parseTimeRange("1h", "2h", now)
	assert.Error(t, err)

	_, err = parseTimeRange("yesterday", "", now)
	assert.Error(t, err)
}

func contentsOf(items []model.MemoryItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Content)
	}
	return out
}
