package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chalkan3/moodle-eks/internal/audit"
)

var (
	historyJSON   bool
	historyLimit  int
	historyFailed bool
	historyStage  string
	historyRun    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View the audit journal of a deployment",
	Long: `Display what deploy and cleanup runs did to a deployment: runs
starting and ending, stage transitions, and every resource created,
adopted or deleted, with the error kind of each failure.

The journal is stored next to the ledger and survives cleanup.`,
	Example: `  # Last 20 events
  moodle-eks history

  # Everything one run did
  moodle-eks history --run 3f2a9c1e-... --limit 0

  # Failures of the database stage, as JSON
  moodle-eks history --stage database --failed --json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output in JSON format")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of most recent events to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "Only show failures")
	historyCmd.Flags().StringVar(&historyStage, "stage", "", "Only show events of this stage")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Only show events of this run id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, nil, false)
	if err != nil {
		return err
	}
	journal, err := audit.Open(ctx, s.repo, s.cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to read audit journal: %w", err)
	}

	events := journal.Query(historyFilter())
	if historyJSON {
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	printHeader(fmt.Sprintf("History: %s", s.cfg.Name))
	fmt.Println()
	if len(events) == 0 {
		color.Yellow("No events recorded")
		fmt.Println()
		color.Cyan("Events are recorded when you run:")
		fmt.Println("  • moodle-eks deploy")
		fmt.Println("  • moodle-eks cleanup")
		return nil
	}

	summary := journal.GetSummary()
	fmt.Printf("Runs: %d  Events: %d  Failures: %d\n\n", summary.Runs, summary.TotalEvents, summary.FailureCount)
	return writeEvents(os.Stdout, events)
}

func historyFilter() *audit.AuditFilter {
	return &audit.AuditFilter{
		Stage:         historyStage,
		CorrelationID: historyRun,
		FailedOnly:    historyFailed,
		Limit:         historyLimit,
	}
}

// writeEvents prints events most recent first
func writeEvents(w io.Writer, events []audit.AuditEvent) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tRUN\tSTAGE\tACTION\tRESOURCE\tRESULT")
	fmt.Fprintln(tw, "---------\t---\t-----\t------\t--------\t------")
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		resource := e.ResourceID
		if e.ResourceType != "" {
			resource = e.ResourceType + "/" + e.ResourceID
		}
		if e.Type == audit.EventTypeRun {
			resource = e.Description
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			shortRunID(e.CorrelationID),
			dash(e.Stage),
			e.Action,
			truncateString(dash(resource), 48),
			eventResult(e),
		)
	}
	return tw.Flush()
}

func eventResult(e audit.AuditEvent) string {
	if e.Success {
		return color.GreenString("ok")
	}
	if e.ErrorKind != "" {
		return color.RedString(e.ErrorKind)
	}
	return color.RedString("failed")
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return dash(id)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
