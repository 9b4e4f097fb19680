package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/internal/observability"
	"github.com/3leaps/alphaflow/pkg/ledger"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect and manage the run cursor",
	Long: `The cursor is the index of the first job not yet submitted. simulate
reads it on start and skips every job below it.

Examples:
  alphaflow cursor show
  alphaflow cursor set 0          # rerun from the beginning
  alphaflow cursor journal --limit 20`,
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the committed cursor",
	Args:  cobra.NoArgs,
	RunE:  runCursorShow,
}

var cursorSetCmd = &cobra.Command{
	Use:   "set <index>",
	Short: "Overwrite the cursor",
	Long: `Overwrite the cursor with the given index. Unlike a run, set may move the
cursor backwards; jobs at or above the index are submitted again on the next
run.`,
	Args: cobra.ExactArgs(1),
	RunE: runCursorSet,
}

var cursorJournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List recorded job dispositions",
	Long: `List the per-job journal kept alongside a SQLite cursor when
state.journal is enabled, in job index order.`,
	Args: cobra.NoArgs,
	RunE: runCursorJournal,
}

func init() {
	rootCmd.AddCommand(cursorCmd)
	cursorCmd.AddCommand(cursorShowCmd, cursorSetCmd, cursorJournalCmd)

	cursorJournalCmd.Flags().Int("limit", 50, "Maximum entries to list (0 = all)")
	cursorJournalCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCursorShow(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cur, err := openCursor(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close() }()

	pos, err := cur.Read(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read cursor", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), pos)
	return nil
}

func runCursorSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	k, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || k < 0 {
		return exitError(foundry.ExitInvalidArgument, "Cursor must be a non-negative integer", fmt.Errorf("got %q", args[0]))
	}

	cur, err := openCursor(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close() }()

	prev, err := cur.Read(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read cursor", err)
	}
	if err := cur.Reset(ctx, k); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot write cursor", err)
	}
	observability.CLILogger.Info("Cursor updated",
		zap.Int64("from", prev),
		zap.Int64("to", k),
		zap.String("cursor", appConfig.State.Cursor))
	return nil
}

func runCursorJournal(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cur, err := openCursor(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close() }()

	db, ok := cur.(*ledger.SQLite)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "The journal needs a SQLite cursor",
			fmt.Errorf("state.cursor %s uses the file backend", appConfig.State.Cursor))
	}

	entries, err := db.Entries(ctx, limit)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read journal", err)
	}
	counts, err := db.Counts(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read journal", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Counts  map[string]int64      `json:"counts"`
			Entries []ledger.JournalEntry `json:"entries"`
		}{Counts: counts, Entries: entries})
	}

	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		_, _ = fmt.Fprintf(out, "%s: %d\n", k, counts[k])
	}
	if len(entries) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INDEX\tKIND\tREASON\tALPHA\tATTEMPTS\tUPDATED\tEXPRESSION")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Index, e.Kind, dash(e.Reason), dash(e.AlphaID), e.Attempts,
			e.UpdatedAt.Local().Format(time.DateTime), truncate(e.Expression, 60))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
