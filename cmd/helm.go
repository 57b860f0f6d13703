package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var helmCmd = &cobra.Command{
	Use:   "helm [helm-args...]",
	Short: "Execute Helm commands against the deployment's cluster",
	Long: `Execute Helm commands by calling the helm binary.

This command requires the 'helm' binary to be installed and available in your PATH.
You can install Helm from: https://helm.sh/docs/intro/install/

The kubeconfig is built from the deployment's EKS cluster, so you don't
need to manage kubeconfig files manually. Deployment flags (--name,
--config, --region, --state, --state-dir) go before the Helm arguments.

All standard Helm v3 commands and flags are supported.`,
	Example: `  # List the addon releases
  moodle-eks helm list -A

  # Status of the load balancer controller
  moodle-eks helm status aws-load-balancer-controller -n kube-system

  # Releases of another deployment
  moodle-eks helm --name staging list -A`,
	DisableFlagParsing: true,
	RunE:               runHelm,
}

func init() {
	rootCmd.AddCommand(helmCmd)
}

func runHelm(cmd *cobra.Command, args []string) error {
	helmBinary, err := exec.LookPath("helm")
	if err != nil {
		return fmt.Errorf("helm binary not found in PATH. Please install Helm from https://helm.sh/docs/intro/install/")
	}

	helmArgs, err := takeDeploymentFlags(args)
	if err != nil {
		return err
	}

	kubeconfigPath, err := writeDeploymentKubeconfig(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to get kubeconfig: %w", err)
	}
	os.Setenv("KUBECONFIG", kubeconfigPath)

	helmExec := exec.CommandContext(commandContext(cmd), helmBinary, helmArgs...)
	helmExec.Stdin = os.Stdin
	helmExec.Stdout = os.Stdout
	helmExec.Stderr = os.Stderr
	helmExec.Env = os.Environ()
	return helmExec.Run()
}
