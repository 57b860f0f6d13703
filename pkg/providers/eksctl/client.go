// Package eksctl creates and deletes EKS clusters and IRSA service accounts
// through the eksctl CLI.
package eksctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/providers/execx"
)

// Client runs eksctl
type Client struct {
	runner execx.Runner
}

// New returns an eksctl client
func New(runner execx.Runner) *Client {
	return &Client{runner: runner}
}

func stderrContains(err error, needles ...string) bool {
	var exitErr *execx.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(exitErr.Stderr)
	for _, n := range needles {
		if strings.Contains(msg, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func run(ctx context.Context, r execx.Runner, args ...string) (string, error) {
	return execx.Output(ctx, r, execx.Command{Name: "eksctl", Args: args})
}

// CreateCluster creates the cluster with one managed node group, OIDC and
// SSH access through the plan's key pair. It blocks until eksctl returns.
func (c *Client) CreateCluster(ctx context.Context, spec providers.ClusterSpec) error {
	args := []string{
		"create", "cluster",
		"--name", spec.Name,
		"--region", spec.Region,
		"--version", spec.Version,
		"--nodegroup-name", spec.NodeGroup,
		"--node-type", spec.NodeType,
		"--nodes", strconv.Itoa(spec.DesiredNodes),
		"--nodes-min", strconv.Itoa(spec.MinNodes),
		"--nodes-max", strconv.Itoa(spec.MaxNodes),
		"--managed",
		"--with-oidc",
	}
	if spec.KeyPairName != "" {
		args = append(args, "--ssh-access", "--ssh-public-key", spec.KeyPairName)
	}
	if len(spec.Tags) > 0 {
		keys := make([]string, 0, len(spec.Tags))
		for k := range spec.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+spec.Tags[k])
		}
		args = append(args, "--tags", strings.Join(pairs, ","))
	}

	if _, err := run(ctx, c.runner, args...); err != nil {
		if stderrContains(err, "AlreadyExistsException", "already exists") {
			return fmt.Errorf("%w: cluster %s: %w", providers.ErrAlreadyExists, spec.Name, err)
		}
		return fmt.Errorf("eksctl create cluster %s: %w", spec.Name, err)
	}
	return nil
}

// DeleteCluster deletes the cluster and its CloudFormation stacks, waiting for completion
func (c *Client) DeleteCluster(ctx context.Context, name, region string) error {
	_, err := run(ctx, c.runner, "delete", "cluster", "--name", name, "--region", region, "--wait")
	if err != nil {
		if stderrContains(err, "ResourceNotFoundException", "No cluster found", "does not exist") {
			return fmt.Errorf("%w: cluster %s: %w", providers.ErrNotFound, name, err)
		}
		return fmt.Errorf("eksctl delete cluster %s: %w", name, err)
	}
	return nil
}

type serviceAccount struct {
	Metadata struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
	} `json:"metadata"`
}

// GetServiceAccount returns nil when the IAM service account exists
func (c *Client) GetServiceAccount(ctx context.Context, cluster, region, namespace, name string) error {
	out, err := run(ctx, c.runner, "get", "iamserviceaccount",
		"--cluster", cluster, "--region", region,
		"--namespace", namespace, "--name", name, "--output", "json")
	if err != nil {
		if stderrContains(err, "No iamserviceaccounts found", "not found") {
			return fmt.Errorf("%w: service account %s/%s", providers.ErrNotFound, namespace, name)
		}
		return fmt.Errorf("eksctl get iamserviceaccount %s/%s: %w", namespace, name, err)
	}
	if out == "" {
		return fmt.Errorf("%w: service account %s/%s", providers.ErrNotFound, namespace, name)
	}

	var accounts []serviceAccount
	if err := json.Unmarshal([]byte(out), &accounts); err != nil {
		return fmt.Errorf("parse eksctl service accounts: %w", err)
	}
	for _, sa := range accounts {
		if sa.Metadata.Name == name && sa.Metadata.Namespace == namespace {
			return nil
		}
	}
	return fmt.Errorf("%w: service account %s/%s", providers.ErrNotFound, namespace, name)
}

// CreateServiceAccount creates the IAM role and the Kubernetes service account bound to it
func (c *Client) CreateServiceAccount(ctx context.Context, spec providers.ServiceAccountSpec) error {
	_, err := run(ctx, c.runner, "create", "iamserviceaccount",
		"--cluster", spec.Cluster, "--region", spec.Region,
		"--namespace", spec.Namespace, "--name", spec.Name,
		"--attach-policy-arn", spec.PolicyARN,
		"--override-existing-serviceaccounts",
		"--approve")
	if err != nil {
		return fmt.Errorf("eksctl create iamserviceaccount %s/%s: %w", spec.Namespace, spec.Name, err)
	}
	return nil
}

// DeleteServiceAccount deletes the IAM role and the service account
func (c *Client) DeleteServiceAccount(ctx context.Context, cluster, region, namespace, name string) error {
	_, err := run(ctx, c.runner, "delete", "iamserviceaccount",
		"--cluster", cluster, "--region", region,
		"--namespace", namespace, "--name", name, "--wait")
	if err != nil {
		if stderrContains(err, "No cluster found", "not found", "does not exist") {
			return fmt.Errorf("%w: service account %s/%s", providers.ErrNotFound, namespace, name)
		}
		return fmt.Errorf("eksctl delete iamserviceaccount %s/%s: %w", namespace, name, err)
	}
	return nil
}
