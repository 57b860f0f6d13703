// Package kube implements the Kubernetes side of the provider interfaces on
// client-go and renders kubeconfigs that authenticate with `aws eks get-token`.
package kube

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// execAPIVersion is the credential plugin protocol aws eks get-token speaks
const execAPIVersion = "client.authentication.k8s.io/v1beta1"

// BuildKubeconfig returns a kubeconfig with one cluster, user and context
// named after the cluster
func BuildKubeconfig(cluster *providers.ClusterInfo, region string) (*clientcmdapi.Config, error) {
	if cluster == nil || cluster.Endpoint == "" {
		return nil, fmt.Errorf("cluster endpoint is not available")
	}
	ca, err := base64.StdEncoding.DecodeString(cluster.CertificateAuthority)
	if err != nil {
		return nil, fmt.Errorf("decode certificate authority of %s: %w", cluster.Name, err)
	}

	name := cluster.Name
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[name] = &clientcmdapi.Cluster{
		Server:                   cluster.Endpoint,
		CertificateAuthorityData: ca,
	}
	cfg.AuthInfos[name] = &clientcmdapi.AuthInfo{
		Exec: &clientcmdapi.ExecConfig{
			APIVersion:      execAPIVersion,
			Command:         "aws",
			Args:            []string{"eks", "get-token", "--cluster-name", name, "--region", region, "--output", "json"},
			InteractiveMode: clientcmdapi.NeverExecInteractiveMode,
		},
	}
	cfg.Contexts[name] = &clientcmdapi.Context{Cluster: name, AuthInfo: name}
	cfg.CurrentContext = name
	return cfg, nil
}

// WriteKubeconfig writes cfg to path with owner-only permissions
func WriteKubeconfig(cfg *clientcmdapi.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create kubeconfig directory: %w", err)
	}
	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		return fmt.Errorf("write kubeconfig %s: %w", path, err)
	}
	return os.Chmod(path, 0600)
}

// RESTConfig turns a kubeconfig into a client configuration
func RESTConfig(cfg *clientcmdapi.Config) (*rest.Config, error) {
	rc, err := clientcmd.NewDefaultClientConfig(*cfg, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build rest config: %w", err)
	}
	rc.UserAgent = "moodle-eks"
	return rc, nil
}

// DefaultKubeconfigDir is where per-cluster kubeconfigs are written
func DefaultKubeconfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".moodle-eks", "kube"), nil
}

// KubeconfigPath returns the kubeconfig path of a cluster under dir
func KubeconfigPath(dir, clusterName string) string {
	return filepath.Join(dir, clusterName+".yaml")
}
