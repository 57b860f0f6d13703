package kube

import (
	"context"
	"fmt"
	"log/slog"

	"k8s.io/client-go/kubernetes"

	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/providers/execx"
	"github.com/chalkan3/moodle-eks/pkg/providers/helm"
)

// Connector writes a kubeconfig for the cluster and returns clients bound to it
type Connector struct {
	Dir    string
	Region string
	Runner execx.Runner
	Logger *slog.Logger
}

// Connect implements providers.ClusterConnector
func (c *Connector) Connect(_ context.Context, cluster *providers.ClusterInfo) (providers.KubernetesAPI, providers.AddonAPI, error) {
	cfg, err := BuildKubeconfig(cluster, c.Region)
	if err != nil {
		return nil, nil, err
	}
	path := KubeconfigPath(c.Dir, cluster.Name)
	if err := WriteKubeconfig(cfg, path); err != nil {
		return nil, nil, err
	}

	rc, err := RESTConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("create kubernetes client: %w", err)
	}

	if c.Logger != nil {
		c.Logger.Debug("connected to cluster", "cluster", cluster.Name, "kubeconfig", path)
	}
	return NewClient(cs), helm.New(c.Runner, path), nil
}
