package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	kubectlcmd "k8s.io/kubectl/pkg/cmd"
)

var kubectlCmd = &cobra.Command{
	Use:   "kubectl [kubectl-args...]",
	Short: "Execute kubectl commands against the deployment's cluster",
	Long: `Execute kubectl commands directly using the embedded Kubernetes client.

This command embeds the official kubectl client, providing full kubectl
functionality without requiring a separate kubectl installation.

The kubeconfig is built from the deployment's EKS cluster, so you don't
need to manage kubeconfig files manually. Deployment flags (--name,
--config, --region, --state, --state-dir) go before the kubectl
arguments; everything after them is passed to kubectl.`,
	Example: `  # Get all nodes
  moodle-eks kubectl get nodes

  # Moodle pods of another deployment
  moodle-eks kubectl --name staging get pods -n moodle

  # Follow the Moodle logs
  moodle-eks kubectl logs deploy/moodle -n moodle -f

  # Execute command in pod
  moodle-eks kubectl exec -it deploy/moodle -n moodle -- sh`,
	DisableFlagParsing: true,
	RunE:               runKubectl,
}

func init() {
	rootCmd.AddCommand(kubectlCmd)
}

func runKubectl(cmd *cobra.Command, args []string) error {
	kubectlArgs, err := takeDeploymentFlags(args)
	if err != nil {
		return err
	}

	kubeconfigPath, err := writeDeploymentKubeconfig(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to get kubeconfig: %w", err)
	}
	os.Setenv("KUBECONFIG", kubeconfigPath)

	kubectlRootCmd := kubectlcmd.NewDefaultKubectlCommand()
	kubectlRootCmd.SetArgs(kubectlArgs)
	kubectlRootCmd.SetIn(os.Stdin)
	kubectlRootCmd.SetOut(os.Stdout)
	kubectlRootCmd.SetErr(os.Stderr)
	return kubectlRootCmd.Execute()
}

// takeDeploymentFlags consumes the leading deployment flags of a
// passthrough command and returns the arguments after them
func takeDeploymentFlags(args []string) ([]string, error) {
	targets := map[string]*string{
		"--name":      &deploymentName,
		"--config":    &cfgFile,
		"--region":    &regionFlag,
		"--state":     &stateBackend,
		"--state-dir": &stateDir,
		"--env-file":  &envFile,
	}
	for len(args) > 0 {
		flag, value, inline := strings.Cut(args[0], "=")
		target, ok := targets[flag]
		if !ok {
			break
		}
		if !inline {
			if len(args) < 2 {
				return nil, fmt.Errorf("flag %s needs a value", flag)
			}
			value = args[1]
			args = args[1:]
		}
		*target = value
		args = args[1:]
	}
	if envFile != "" {
		// initConfig ran before these flags were read
		initConfig()
	}
	return args, nil
}
