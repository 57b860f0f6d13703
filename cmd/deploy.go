package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chalkan3/moodle-eks/internal/audit"
	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/orchestrator"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
)

var (
	deployFrom   string
	deployOnly   string
	deployDryRun bool

	deployClusterName string
	deployNodeType    string
	deployMinNodes    int
	deployMaxNodes    int
	deployDBClass     string
	deployMinPods     int
	deployMaxPods     int
	deployTargetCPU   int
	deployDomain      string
	deployRecord      string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Provision or resume a Moodle deployment",
	Long: `Provision every stage of a Moodle deployment in order:

  cluster      EKS cluster, node group and key pair
  database     RDS instance, subnet group, security group and credentials
  storage      EFS filesystem with mount targets, S3 bucket, EFS CSI driver
  application  namespace, secret, volume, Moodle deployment and service
  ingress      AWS Load Balancer Controller and the ALB ingress
  autoscaling  metrics-server and the horizontal pod autoscaler
  dns          Route 53 alias to the load balancer (when a domain is set)

Stages already recorded as done are skipped, so rerunning deploy after a
failure resumes at the failed stage. Resources that already exist are
adopted instead of created again.`,
	Example: `  # Deploy with ./moodle-eks.yaml or defaults
  moodle-eks deploy

  # Size the cluster and pods from flags
  moodle-eks deploy --min-nodes 2 --max-nodes 4 --max-pods 8

  # Publish under a Route 53 zone
  moodle-eks deploy --domain example.com --record moodle.example.com

  # Rerun the ingress stage and everything after it
  moodle-eks deploy --from ingress

  # Print the resolved plan without touching AWS
  moodle-eks deploy --dry-run`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	addDeployFlags(deployCmd)
}

// addDeployFlags registers the deploy flags; the root command shares them
// because deploying is its default action
func addDeployFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&deployFrom, "from", "", "Reset this stage and every later one, then run them")
	f.StringVar(&deployOnly, "only", "", "Run only this stage")
	f.BoolVar(&deployDryRun, "dry-run", false, "Print the plan and exit")

	f.StringVar(&deployClusterName, "cluster-name", "", "EKS cluster name")
	f.StringVar(&deployNodeType, "node-type", "", "Node instance type")
	f.IntVar(&deployMinNodes, "min-nodes", 0, "Minimum nodes in the node group")
	f.IntVar(&deployMaxNodes, "max-nodes", 0, "Maximum nodes in the node group")
	f.StringVar(&deployDBClass, "db-class", "", "RDS instance class")
	f.IntVar(&deployMinPods, "min-pods", 0, "Minimum Moodle pods")
	f.IntVar(&deployMaxPods, "max-pods", 0, "Maximum Moodle pods")
	f.IntVar(&deployTargetCPU, "target-cpu", 0, "Target CPU utilization percent for autoscaling")
	f.StringVar(&deployDomain, "domain", "", "Route 53 hosted zone domain")
	f.StringVar(&deployRecord, "record", "", "Record name to alias to the load balancer")
}

// deployOverrides maps the deploy flags that were set to config keys
func deployOverrides(f *pflag.FlagSet) map[string]interface{} {
	flags := []struct {
		flag  string
		key   string
		value interface{}
	}{
		{"cluster-name", "cluster.name", deployClusterName},
		{"node-type", "cluster.nodeType", deployNodeType},
		{"min-nodes", "cluster.minNodes", deployMinNodes},
		{"max-nodes", "cluster.maxNodes", deployMaxNodes},
		{"db-class", "database.instanceClass", deployDBClass},
		{"min-pods", "scaling.minPods", deployMinPods},
		{"max-pods", "scaling.maxPods", deployMaxPods},
		{"target-cpu", "scaling.targetCPU", deployTargetCPU},
		{"domain", "dns.domain", deployDomain},
		{"record", "dns.record", deployRecord},
	}
	overrides := make(map[string]interface{})
	for _, fl := range flags {
		if f.Changed(fl.flag) {
			overrides[fl.key] = fl.value
		}
	}
	return overrides
}

func runDeploy(cmd *cobra.Command, args []string) (err error) {
	ctx := commandContext(cmd)

	s, err := openSession(ctx, deployOverrides(cmd.Flags()), !deployDryRun)
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
	if deployDryRun {
		return writePlan(os.Stdout, p, "table")
	}

	clients, err := s.clients()
	if err != nil {
		return err
	}
	keyDir, err := orchestrator.DefaultKeyDir()
	if err != nil {
		return err
	}

	journal := s.journal(ctx)
	runID := audit.NewRunID()
	journal.LogRun(runID, "deploy", audit.ActionBegin, nil)
	defer func() {
		action := audit.ActionComplete
		if err != nil {
			action = audit.ActionFail
		}
		journal.LogRun(runID, "deploy", action, err)
		saveCtx, cancel := detached(ctx)
		defer cancel()
		s.saveJournal(saveCtx, journal)
		s.finish("deploy", err)
	}()

	progress := newDeployProgress()
	o, err := orchestrator.New(orchestrator.Config{
		Clients:  clients,
		Store:    s.repo,
		Journal:  journal,
		Metrics:  s.metrics,
		Logger:   s.logger,
		KeyDir:   keyDir,
		RunID:    runID,
		From:     deployFrom,
		Only:     deployOnly,
		Observer: progress.observe,
	})
	if err != nil {
		return err
	}

	printHeader(fmt.Sprintf("Deploying %s to %s", p.Name, p.Region))
	fmt.Printf("Ledger: %s\n\n", s.repo.Location())

	record, err := o.Run(ctx, p)
	progress.stop()
	if err != nil {
		printDeployFailure(p, o.Ledger(), err)
		return err
	}

	printDeploymentRecord(record)
	return nil
}

// deployProgress prints stage transitions and spins during long stages
type deployProgress struct {
	spin *spinner.Spinner
}

func newDeployProgress() *deployProgress {
	return &deployProgress{}
}

func (d *deployProgress) stop() {
	if d.spin != nil {
		d.spin.Stop()
		d.spin = nil
	}
}

func (d *deployProgress) start(stage string) {
	d.stop()
	d.spin = newSpinner(fmt.Sprintf("%-12s running...", stage))
	d.spin.Start()
}

func (d *deployProgress) observe(e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventStageStart:
		d.start(e.Stage)
	case orchestrator.EventResource:
		if e.Handle == nil {
			return
		}
		d.stop()
		verb := "created"
		if e.Handle.Adopted {
			verb = "adopted"
		}
		fmt.Printf("   %s %s\n", color.New(color.FgHiBlack).Sprint(verb), e.Handle)
		d.start(e.Stage)
	case orchestrator.EventRetry:
		d.stop()
		color.Yellow("   retry %d of %s in %s: %v", e.Attempt, e.Stage, e.Delay.Round(time.Millisecond), e.Err)
		d.start(e.Stage)
	case orchestrator.EventStageDone:
		d.stop()
		fmt.Printf("%s %-12s %s\n", color.GreenString("[done]"), e.Stage, e.Duration.Round(time.Second))
	case orchestrator.EventStageSkip:
		fmt.Printf("%s %-12s already done\n", color.New(color.FgHiBlack).Sprint("[skip]"), e.Stage)
	case orchestrator.EventStageFail:
		d.stop()
		fmt.Printf("%s %-12s %s\n", color.RedString("[fail]"), e.Stage, failure.KindOf(e.Err))
	}
}

func printDeploymentRecord(rec *orchestrator.DeploymentRecord) {
	fmt.Println()
	color.Green("Deployment %s is ready", rec.Name)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"Cluster", rec.ClusterName},
		{"Region", rec.Region},
		{"Database endpoint", rec.DBEndpoint},
		{"File system", rec.FileSystemID},
		{"Bucket", rec.BucketName},
		{"Load balancer", rec.LoadBalancerHostname},
		{"URL", rec.URL},
	}
	for _, row := range rows {
		if row[1] != "" {
			fmt.Fprintf(w, "  %s:\t%s\n", row[0], row[1])
		}
	}
	w.Flush()
	fmt.Printf("\n  %d resources recorded. Run 'moodle-eks verify' to check them.\n", len(rec.Handles))
}

// printDeployFailure names the failing stage, its error kind and every
// resource recorded so far, then how to resume or clean up
func printDeployFailure(p *plan.Plan, l *state.Ledger, err error) {
	fmt.Println()
	var se *failure.StageError
	if errors.As(err, &se) {
		color.Red("Stage %s failed: %s", se.Stage, se.Kind)
		if se.ResourceID != "" {
			fmt.Printf("  Resource: %s\n", se.ResourceID)
		}
	} else {
		color.Red("Deployment failed")
	}
	fmt.Printf("  Error:    %v\n", err)

	if l != nil && !l.Empty() {
		fmt.Println()
		fmt.Println("Recorded resources:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, st := range l.Stages {
			for _, h := range st.Handles {
				fmt.Fprintf(w, "  %s\t%s\t%s\n", st.ID, h.Kind, h.ID)
			}
		}
		w.Flush()
	}

	fmt.Println()
	color.Cyan("Resume with:   moodle-eks deploy --name %s", p.Name)
	color.Cyan("Clean up with: moodle-eks cleanup --name %s", p.Name)
}
