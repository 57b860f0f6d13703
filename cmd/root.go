package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chalkan3/moodle-eks/internal/common"
)

var (
	cfgFile        string
	deploymentName string
	stateBackend   string
	stateDir       string
	regionFlag     string
	envFile        string
	metricsFile    string
	verbose        bool
	autoApprove    bool

	// Version information - set by main.go
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

// SetVersionInfo sets the version information from main.go
func SetVersionInfo(version, commit, date, builtBy string) {
	Version = version
	Commit = commit
	Date = date
	BuiltBy = builtBy
	rootCmd.Version = version
}

// rootCmd represents the base command. Without a subcommand it deploys.
var rootCmd = &cobra.Command{
	Use:   "moodle-eks",
	Short: "Provision Moodle on Amazon EKS",
	Long: `moodle-eks provisions a complete Moodle installation on Amazon EKS:
the cluster and its add-ons, an RDS database, EFS and S3 storage, the
Moodle workload behind an ALB ingress, a pod autoscaler and an optional
Route 53 alias.

Every created resource is recorded in a per-deployment ledger, so a rerun
resumes where the last one stopped and 'cleanup' removes exactly what
was recorded.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDeploy,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// An interrupt cancels the running command; stages observe it between steps.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), signalInterrupt, signalTerminate)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	// Load saved credentials before running any command
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: ./moodle-eks.yaml when present)")
	rootCmd.PersistentFlags().StringVarP(&deploymentName, "name", "n", "", "Deployment name (default: config name, 'moodle')")
	rootCmd.PersistentFlags().StringVar(&stateBackend, "state", "", "Ledger backend: local or s3://bucket/prefix")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Local ledger directory (default: ~/.moodle-eks/deployments)")
	rootCmd.PersistentFlags().StringVar(&regionFlag, "region", "", "AWS region")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Export KEY=VALUE pairs from this file before running")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write run metrics in Prometheus text format to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&autoApprove, "yes", "y", false, "Auto-approve without prompting")

	addDeployFlags(rootCmd)

	rootCmd.SetVersionTemplate(`moodle-eks {{.Version}}
`)
	rootCmd.Version = Version
}

func initConfig() {
	// Saved credentials never override the environment
	if err := common.LoadSavedCredentials(); err != nil {
		color.Yellow("Warning: ignoring saved credentials: %v", err)
	}
	if envFile != "" {
		if err := common.LoadEnvFile(envFile); err != nil {
			color.Yellow("Warning: %v", err)
		}
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func versionString() string {
	return fmt.Sprintf("moodle-eks %s (commit %s, built %s by %s)", Version, Commit, Date, BuiltBy)
}
