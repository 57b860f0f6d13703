package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/pkg/manifests"
)

var planFormat string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the resolved deployment plan",
	Long: `Print the deployment plan resolved from the configuration file,
MOODLE_* environment variables and flags: every derived resource name,
sizes, timeouts and the order resources depend on each other.

The plan reuses the seed of an existing ledger, so names match what
deploy would create or adopt. Nothing is created.`,
	Example: `  # Table of planned resources
  moodle-eks plan

  # Full plan as YAML
  moodle-eks plan --format yaml

  # Dependency graph, rendered with Graphviz
  moodle-eks plan --format dot | dot -Tsvg > plan.svg

  # Kubernetes objects the application stage applies
  moodle-eks plan --format manifests`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVarP(&planFormat, "format", "o", "table", "Output format: table|yaml|json|dot|manifests")
}

func runPlan(cmd *cobra.Command, args []string) error {
	if err := validFormat(planFormat, "table", "yaml", "json", "dot", "manifests"); err != nil {
		return err
	}
	ctx := commandContext(cmd)
	s, err := openSession(ctx, nil, false)
	if err != nil {
		return err
	}
	l, err := s.ledger(ctx)
	if err != nil {
		return err
	}
	p, err := s.plan(l)
	if err != nil {
		return err
	}
	return writePlan(os.Stdout, p, planFormat)
}

// writePlan renders p. JSON keys follow the YAML field names.
func writePlan(w io.Writer, p *plan.Plan, format string) error {
	switch format {
	case "yaml":
		return yaml.NewEncoder(w).Encode(p)
	case "json":
		data, err := yaml.Marshal(p)
		if err != nil {
			return err
		}
		raw, err := sigsyaml.YAMLToJSON(data)
		if err != nil {
			return fmt.Errorf("failed to convert plan to JSON: %w", err)
		}
		var out bytes.Buffer
		if err := json.Indent(&out, raw, "", "  "); err != nil {
			return err
		}
		out.WriteByte('\n')
		_, err = out.WriteTo(w)
		return err
	case "dot":
		_, err := io.WriteString(w, p.Graph().String())
		return err
	case "manifests":
		return writeManifests(w, p)
	}

	fmt.Fprintf(w, "Deployment: %s\n", p.Name)
	fmt.Fprintf(w, "Region:     %s\n", p.Region)
	fmt.Fprintf(w, "Seed:       %s\n", p.Seed)
	fmt.Fprintf(w, "Nodes:      %s x %d-%d (desired %d)\n", p.Cluster.NodeType, p.Cluster.MinNodes, p.Cluster.MaxNodes, p.Cluster.DesiredNodes)
	fmt.Fprintf(w, "Database:   %s %s on %s, %d GiB\n", p.Database.Engine, p.Database.EngineVersion, p.Database.InstanceClass, p.Database.AllocatedStorage)
	fmt.Fprintf(w, "Pods:       %d-%d at %d%% CPU\n", p.Scaling.MinPods, p.Scaling.MaxPods, p.Scaling.TargetCPU)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tKIND\tNAME\tTIMEOUT")
	for _, r := range p.Resources() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Stage, r.Kind, r.Name, p.Timeouts.For(r.Stage))
	}
	return tw.Flush()
}

// writeManifests renders the application objects. Values only known
// after the earlier stages ran are left as placeholders.
func writeManifests(w io.Writer, p *plan.Plan) error {
	r, err := manifests.Bundle(p, manifests.Inputs{
		Connection: manifests.Connection{
			Host:          "<database-endpoint>",
			Port:          p.Database.Port,
			Username:      p.Database.Username,
			Password:      "<generated>",
			AdminPassword: "<generated>",
		},
		FileSystemID: "<file-system-id>",
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %d objects, bundle hash %s\n", len(r.List()), r.Hash()[:12])
	_, err = io.WriteString(w, r.Render())
	return err
}
