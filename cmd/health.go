package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chalkan3/moodle-eks/pkg/health"
)

var (
	healthCompact     bool
	healthFormat      string
	healthParallelism int
)

var healthCmd = &cobra.Command{
	Use:     "verify",
	Aliases: []string{"health"},
	Short:   "Check every recorded resource against AWS",
	Long: `Re-check each resource the deployment ledger records:
  • EKS cluster is ACTIVE and its key pair exists
  • Security groups, DB subnet group and secret exist
  • RDS instance is available at the recorded endpoint
  • EFS file system and mount targets are available
  • S3 bucket is reachable
  • Namespace, secret, volume and claim are present and bound
  • Moodle deployment has its replicas ready, service and ingress exist
  • Addons are installed and the autoscaler targets the deployment
  • The DNS record aliases the load balancer

Checks run concurrently. The command fails when any check is critical.`,
	Example: `  # Full report
  moodle-eks verify

  # Only problems
  moodle-eks verify --compact

  # Machine readable
  moodle-eks verify --format json`,
	Args: cobra.NoArgs,
	RunE: runHealthCheck,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthCompact, "compact", false, "Only show checks that are not healthy")
	healthCmd.Flags().StringVarP(&healthFormat, "format", "o", "table", "Output format: table|json|yaml")
	healthCmd.Flags().IntVar(&healthParallelism, "parallelism", 0, "Checks to run at once (default 8)")
}

func runHealthCheck(cmd *cobra.Command, args []string) (err error) {
	if err := validFormat(healthFormat, "table", "json", "yaml"); err != nil {
		return err
	}
	ctx := commandContext(cmd)

	s, err := openSession(ctx, nil, true)
	if err != nil {
		return err
	}
	defer func() { s.finish("verify", err) }()

	l, err := s.requireLedger(ctx)
	if err != nil {
		return err
	}
	c, err := s.clients()
	if err != nil {
		return err
	}

	checker := health.NewChecker(health.Clients{
		Cluster:     c.Cluster,
		KeyPairs:    c.KeyPairs,
		Network:     c.Network,
		Databases:   c.Databases,
		Secrets:     c.Secrets,
		FileSystems: c.FileSystems,
		Buckets:     c.Buckets,
		DNS:         c.DNS,
		Identity:    c.Identity,
		Connector:   c.Connector,
	}, s.logger)
	checker.SetParallelism(healthParallelism)

	var report *health.HealthReport
	if healthFormat == "table" {
		spin := newSpinner(fmt.Sprintf("Verifying %d resources of %s...", len(l.Handles()), l.Name))
		spin.Start()
		report, err = checker.RunAllChecks(ctx, l)
		spin.Stop()
	} else {
		report, err = checker.RunAllChecks(ctx, l)
	}
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	switch {
	case healthFormat != "table":
		if err := writeStructured(os.Stdout, report, healthFormat); err != nil {
			return err
		}
	case healthCompact:
		report.PrintCompact(os.Stdout)
	default:
		report.PrintReport(os.Stdout)
	}

	if report.OverallStatus == health.StatusCritical {
		return fmt.Errorf("%d critical checks for %s", report.Summary.CriticalChecks, l.Name)
	}
	return nil
}
