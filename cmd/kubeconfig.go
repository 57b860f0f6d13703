package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/chalkan3/moodle-eks/pkg/providers/kube"
)

var (
	kubeconfigOutput string
	kubeconfigMerge  bool
)

var kubeconfigCmd = &cobra.Command{
	Use:   "kubeconfig",
	Short: "Get a kubeconfig for kubectl access to the deployment",
	Long: `Build a kubeconfig for the EKS cluster of a deployment.

The cluster endpoint and certificate authority are read from AWS and the
user authenticates through 'aws eks get-token', so the AWS CLI must be
installed. The kubeconfig is printed to stdout, saved to a file with -o,
or merged into an existing kubeconfig with --merge.`,
	Example: `  # Print to stdout
  moodle-eks kubeconfig

  # Save to file
  moodle-eks kubeconfig -o ~/.kube/moodle.yaml

  # Merge into ~/.kube/config and switch to it
  moodle-eks kubeconfig --merge -o ~/.kube/config`,
	Args: cobra.NoArgs,
	RunE: runKubeconfig,
}

func init() {
	rootCmd.AddCommand(kubeconfigCmd)
	kubeconfigCmd.Flags().StringVarP(&kubeconfigOutput, "output", "o", "", "Write the kubeconfig to this file instead of stdout")
	kubeconfigCmd.Flags().BoolVar(&kubeconfigMerge, "merge", false, "Merge into the --output file instead of replacing it")
}

func runKubeconfig(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	cfg, err := deploymentKubeconfig(ctx)
	if err != nil {
		return err
	}

	if kubeconfigOutput == "" {
		if kubeconfigMerge {
			return fmt.Errorf("--merge needs --output")
		}
		data, err := clientcmd.Write(*cfg)
		if err != nil {
			return fmt.Errorf("failed to render kubeconfig: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	path := expandHome(kubeconfigOutput)
	if kubeconfigMerge {
		existing, err := clientcmd.LoadFromFile(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		cfg = mergeKubeconfig(existing, cfg)
	}
	if err := kube.WriteKubeconfig(cfg, path); err != nil {
		return err
	}
	color.Green("Kubeconfig for %s written to %s", cfg.CurrentContext, path)
	return nil
}

// deploymentKubeconfig describes the deployment's cluster and builds its
// kubeconfig. The cluster name comes from the ledger when there is one.
func deploymentKubeconfig(ctx context.Context) (*clientcmdapi.Config, error) {
	s, err := openSession(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	l, err := s.ledger(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.plan(l)
	if err != nil {
		return nil, err
	}
	name := p.Cluster.Name
	if l != nil && l.ClusterName != "" {
		name = l.ClusterName
	}

	info, err := s.aws.Clusters.DescribeCluster(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe cluster %s: %w", name, err)
	}
	return kube.BuildKubeconfig(info, p.Region)
}

// writeDeploymentKubeconfig writes the deployment's kubeconfig under the
// tool directory and returns its path
func writeDeploymentKubeconfig(ctx context.Context) (string, error) {
	cfg, err := deploymentKubeconfig(ctx)
	if err != nil {
		return "", err
	}
	dir, err := kube.DefaultKubeconfigDir()
	if err != nil {
		return "", err
	}
	path := kube.KubeconfigPath(dir, cfg.CurrentContext)
	if err := kube.WriteKubeconfig(cfg, path); err != nil {
		return "", err
	}
	return path, nil
}

// mergeKubeconfig adds the entries of add to base and makes add's context
// current. Entries with the same name are replaced.
func mergeKubeconfig(base, add *clientcmdapi.Config) *clientcmdapi.Config {
	if base == nil {
		return add
	}
	for k, v := range add.Clusters {
		base.Clusters[k] = v
	}
	for k, v := range add.AuthInfos {
		base.AuthInfos[k] = v
	}
	for k, v := range add.Contexts {
		base.Contexts[k] = v
	}
	base.CurrentContext = add.CurrentContext
	return base
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
