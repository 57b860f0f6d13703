package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chalkan3/moodle-eks/internal/audit"
	"github.com/chalkan3/moodle-eks/internal/cleanup"
	"github.com/chalkan3/moodle-eks/internal/orchestrator"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
)

var (
	cleanupDiscover bool
	cleanupDryRun   bool
	cleanupFormat   string
	cleanupSeed     string
)

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	Aliases: []string{"destroy"},
	Short:   "Delete every resource of a deployment",
	Long: `Delete the resources recorded in the deployment ledger, in reverse
dependency order: DNS record, Kubernetes objects, addons, database,
file system, security groups, bucket, cluster and key pair.

Resources that are already gone are reported absent. A resource that fails
to delete stays in the ledger and cleanup moves on; rerun cleanup to
retry it. The ledger is removed once nothing is left in it.

Without a ledger, the planned names are looked up in AWS first and
whatever exists is deleted. Most names are derived from the seed of the
original deploy, so this needs --seed (or seed in the config file); the
seed is the moodle-eks/seed tag of any resource the deploy created.
--discover also looks names up when a ledger exists and adds what it
finds, so resources that were created but never recorded are removed too.`,
	Example: `  # Tear down the default deployment
  moodle-eks cleanup

  # Show what would be deleted
  moodle-eks cleanup --dry-run

  # Also remove unrecorded resources, without asking
  moodle-eks cleanup --name staging --discover --yes

  # The ledger is gone: rebuild it from AWS using the original seed
  moodle-eks cleanup --seed 3f9a51c2e07d4b18`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDiscover, "discover", false, "Also look up planned resources in AWS and add them to the ledger")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "List the resources in deletion order and exit")
	cleanupCmd.Flags().StringVarP(&cleanupFormat, "format", "o", "table", "Report format: table|json|yaml")
	cleanupCmd.Flags().StringVar(&cleanupSeed, "seed", "", "Seed of the original deploy, used to find resources when the ledger is lost")
}

func runCleanup(cmd *cobra.Command, args []string) (err error) {
	if err := validFormat(cleanupFormat, "table", "json", "yaml"); err != nil {
		return err
	}
	ctx := commandContext(cmd)

	var overrides map[string]interface{}
	if cleanupSeed != "" {
		overrides = map[string]interface{}{"seed": cleanupSeed}
	}
	s, err := openSession(ctx, overrides, true)
	if err != nil {
		return err
	}
	clients, err := s.clients()
	if err != nil {
		return err
	}
	l, err := s.ledger(ctx)
	if err != nil {
		return err
	}
	if err := requireSeed(l, s.cfg.Seed, s.cfg.Name); err != nil {
		return err
	}
	p, err := s.plan(l)
	if err != nil {
		return err
	}

	journal := s.journal(ctx)
	runID := audit.NewRunID()

	if l == nil || cleanupDiscover {
		if l == nil {
			color.Yellow("No ledger for %s in %s; looking up planned resources in AWS", s.cfg.Name, s.repo.Location())
		}
		o, err := orchestrator.New(orchestrator.Config{
			Clients: clients,
			Store:   s.repo,
			Journal: journal,
			Logger:  s.logger,
			RunID:   runID,
		})
		if err != nil {
			return err
		}
		spin := newSpinner("Discovering resources in AWS...")
		spin.Start()
		found, err := o.Discover(ctx, p)
		spin.Stop()
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		l = mergeDiscovered(l, found)
		if l.Empty() {
			color.Green("Nothing found for %s", p.Name)
			return nil
		}
	}

	runner, err := cleanup.New(cleanup.Config{
		Clients:  clients,
		Store:    s.repo,
		Journal:  journal,
		Metrics:  s.metrics,
		Logger:   s.logger,
		RunID:    runID,
		Timeouts: p.Timeouts,
		Retry:    p.Retry,
		Observer: cleanupObserver(cleanupFormat == "table"),
	})
	if err != nil {
		return err
	}

	order := runner.Order(l)
	if cleanupDryRun {
		return writeCleanupOrder(os.Stdout, l, order)
	}
	if len(order) == 0 {
		color.Green("Nothing to delete for %s", l.Name)
		return nil
	}

	if !autoApprove {
		if err := writeCleanupOrder(os.Stdout, l, order); err != nil {
			return err
		}
		fmt.Println()
		color.Yellow("This deletes %d resources of %s in %s.", len(order), l.Name, l.Region)
		if !confirm("Continue?") {
			fmt.Println("Cleanup cancelled")
			return nil
		}
	}

	journal.LogRun(runID, "cleanup", audit.ActionBegin, nil)
	defer func() {
		action := audit.ActionComplete
		if err != nil {
			action = audit.ActionFail
		}
		journal.LogRun(runID, "cleanup", action, err)
		saveCtx, cancel := detached(ctx)
		defer cancel()
		// The journal outlives the ledger so history still shows the teardown
		s.saveJournal(saveCtx, journal)
		s.finish("cleanup", err)
	}()

	if cleanupFormat == "table" {
		printHeader(fmt.Sprintf("Cleaning up %s in %s", l.Name, l.Region))
	}
	report, errs := runner.Run(ctx, l)

	if cleanupFormat != "table" {
		if werr := writeStructured(os.Stdout, report, cleanupFormat); werr != nil {
			return werr
		}
	} else {
		printCleanupSummary(os.Stdout, report)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d resources could not be deleted: %w", len(report.Failed()), errors.Join(errs...))
	}
	return nil
}

// requireSeed refuses to discover without a ledger unless the seed of the
// original deploy is known. A fresh seed would derive different names.
func requireSeed(l *state.Ledger, configSeed, name string) error {
	if l != nil || configSeed != "" {
		return nil
	}
	return fmt.Errorf("no ledger for %s and no seed to derive its resource names\n"+
		"Pass --seed with the value of the %s tag on any of its resources", name, plan.SeedTag)
}

// mergeDiscovered adds discovered handles to l. Handles already recorded
// keep their origin.
func mergeDiscovered(l, found *state.Ledger) *state.Ledger {
	if l == nil {
		return found
	}
	for _, st := range found.Stages {
		for _, h := range st.Handles {
			l.Record(st.ID, h)
		}
	}
	return l
}

// cleanupObserver prints one line per handle as it settles
func cleanupObserver(enabled bool) func(cleanup.Result) {
	if !enabled {
		return nil
	}
	return func(res cleanup.Result) {
		var tag string
		switch res.Outcome {
		case cleanup.OutcomeDeleted:
			tag = color.GreenString("[deleted]")
		case cleanup.OutcomeAbsent:
			tag = color.New(color.FgHiBlack).Sprint("[absent] ")
		default:
			tag = color.RedString("[failed] ")
		}
		fmt.Printf("%s %s\n", tag, res.Handle)
		if res.Error != "" {
			fmt.Printf("          %s\n", res.Error)
		}
	}
}

func writeCleanupOrder(w io.Writer, l *state.Ledger, order []state.ResourceHandle) error {
	if len(order) == 0 {
		fmt.Fprintf(w, "Nothing to delete for %s\n", l.Name)
		return nil
	}
	fmt.Fprintf(w, "Cleanup of %s would delete, in order:\n\n", l.Name)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTAGE\tKIND\tID\tORIGIN")
	for i, h := range order {
		origin := "created"
		if h.Adopted {
			origin = "adopted"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, l.StageOf(h), h.Kind, h.ID, origin)
	}
	return tw.Flush()
}

func printCleanupSummary(w io.Writer, report *cleanup.Report) {
	counts := report.Counts()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Deleted: %d  Absent: %d  Failed: %d  (%s)\n",
		counts[cleanup.OutcomeDeleted], counts[cleanup.OutcomeAbsent], counts[cleanup.OutcomeFailed],
		report.FinishedAt.Sub(report.StartedAt).Round(time.Second))

	if failed := report.Failed(); len(failed) > 0 {
		color.New(color.FgRed).Fprintln(w, "\nStill recorded in the ledger:")
		for _, res := range failed {
			fmt.Fprintf(w, "  %s: %s\n", res.Handle, res.Error)
		}
		fmt.Fprintf(w, "\nRerun 'moodle-eks cleanup --name %s' to retry.\n", report.Deployment)
		return
	}
	if report.LedgerRemoved {
		color.New(color.FgGreen).Fprintf(w, "Deployment %s removed\n", report.Deployment)
	}
}
