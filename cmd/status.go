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
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/chalkan3/moodle-eks/internal/state"
)

var (
	statusFormat string
	statusAll    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ledger of a deployment",
	Long: `Display what the ledger of a deployment records:
  • Stage status, attempts and the last error kind
  • Every recorded resource with its stage
  • Whether each resource was created or adopted

The ledger is read from the configured state backend; AWS is not queried.
Use 'verify' to check the recorded resources against AWS.`,
	Example: `  # Show status of the default deployment
  moodle-eks status

  # Another deployment, as JSON
  moodle-eks status --name staging --format json

  # List every deployment in the state backend
  moodle-eks status --all`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "o", "table", "Output format: table|json|yaml")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "List every deployment in the state backend")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := validFormat(statusFormat, "table", "json", "yaml"); err != nil {
		return err
	}
	ctx := commandContext(cmd)

	s, err := openSession(ctx, nil, false)
	if err != nil {
		return err
	}

	if statusAll {
		names, err := s.repo.Names(ctx)
		if err != nil {
			return fmt.Errorf("failed to list deployments: %w", err)
		}
		return writeNames(os.Stdout, s.repo.Location(), names, statusFormat)
	}

	l, err := s.requireLedger(ctx)
	if err != nil {
		return err
	}
	return writeLedger(os.Stdout, l, statusFormat)
}

func writeStructured(w io.Writer, v any, format string) error {
	var (
		data []byte
		err  error
	)
	if format == "json" {
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = sigsyaml.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func writeNames(w io.Writer, location string, names []string, format string) error {
	if format != "table" {
		return writeStructured(w, map[string]any{"location": location, "deployments": names}, format)
	}
	if len(names) == 0 {
		color.Yellow("No deployments in %s", location)
		return nil
	}
	fmt.Fprintf(w, "Deployments in %s:\n", location)
	for _, n := range names {
		fmt.Fprintf(w, "  %s\n", n)
	}
	return nil
}

// writeLedger renders a ledger; structured formats keep the ledger's own field names
func writeLedger(w io.Writer, l *state.Ledger, format string) error {
	if format != "table" {
		return writeStructured(w, l, format)
	}

	fmt.Fprintf(w, "Deployment: %s\n", l.Name)
	fmt.Fprintf(w, "Region:     %s\n", l.Region)
	fmt.Fprintf(w, "Cluster:    %s\n", l.ClusterName)
	fmt.Fprintf(w, "Seed:       %s\n", l.Seed)
	fmt.Fprintf(w, "Updated:    %s\n\n", l.UpdatedAt.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tATTEMPTS\tRESOURCES\tERROR")
	for _, st := range l.Stages {
		errText := ""
		if st.Status == state.StatusFailed {
			errText = st.ErrorKind
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", st.ID, statusColor(st.Status).Sprint(st.Status), st.Attempts, len(st.Handles), errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if l.Empty() {
		fmt.Fprintln(w, "\nNo resources recorded.")
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tKIND\tID\tORIGIN")
	for _, st := range l.Stages {
		for _, h := range st.Handles {
			origin := "created"
			if h.Adopted {
				origin = "adopted"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.ID, h.Kind, h.ID, origin)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, st := range l.Stages {
		if st.Status == state.StatusFailed && st.Error != "" {
			fmt.Fprintln(w)
			color.New(color.FgRed).Fprintf(w, "%s failed: %s\n", st.ID, st.Error)
		}
	}
	return nil
}
