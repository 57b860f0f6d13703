package eksctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/providers/execx"
)

func TestCreateClusterArgs(t *testing.T) {
	runner := execx.NewFakeRunner()
	err := New(runner).CreateCluster(context.Background(), providers.ClusterSpec{
		Name:         "moodle-eks",
		Region:       "us-east-1",
		Version:      "1.30",
		NodeGroup:    "moodle-eks-nodes",
		NodeType:     "t3.medium",
		MinNodes:     1,
		MaxNodes:     2,
		DesiredNodes: 1,
		KeyPairName:  "moodle-eks-key-abcd1234",
		Tags:         map[string]string{"managed-by": "moodle-eks", "app": "moodle"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"eksctl create cluster --name moodle-eks --region us-east-1 --version 1.30" +
			" --nodegroup-name moodle-eks-nodes --node-type t3.medium --nodes 1 --nodes-min 1 --nodes-max 2" +
			" --managed --with-oidc --ssh-access --ssh-public-key moodle-eks-key-abcd1234" +
			" --tags app=moodle,managed-by=moodle-eks",
	}, runner.Lines())
}

func TestCreateClusterConflict(t *testing.T) {
	runner := execx.NewFakeRunner().On("eksctl create cluster", execx.Response{
		Err: &execx.ExitError{Command: "eksctl create", ExitCode: 1, Stderr: "AlreadyExistsException: Stack [eksctl-moodle-eks-cluster] already exists"},
	})
	err := New(runner).CreateCluster(context.Background(), providers.ClusterSpec{Name: "moodle-eks"})
	assert.True(t, providers.IsAlreadyExists(err))
}

func TestDeleteClusterMissing(t *testing.T) {
	runner := execx.NewFakeRunner().On("eksctl delete cluster", execx.Response{
		Err: &execx.ExitError{Command: "eksctl delete", ExitCode: 1, Stderr: "Error: unable to describe cluster control plane: ResourceNotFoundException: No cluster found for name: moodle-eks."},
	})
	err := New(runner).DeleteCluster(context.Background(), "moodle-eks", "us-east-1")
	assert.True(t, providers.IsNotFound(err))
	assert.Equal(t, []string{"eksctl delete cluster --name moodle-eks --region us-east-1 --wait"}, runner.Lines())
}

func TestGetServiceAccount(t *testing.T) {
	ctx := context.Background()
	const out = `[{"metadata":{"name":"aws-load-balancer-controller","namespace":"kube-system"},"status":{"roleARN":"arn:aws:iam::1:role/x"}}]`

	runner := execx.NewFakeRunner().On("eksctl get iamserviceaccount", execx.Response{Stdout: out})
	c := New(runner)
	require.NoError(t, c.GetServiceAccount(ctx, "moodle-eks", "us-east-1", "kube-system", "aws-load-balancer-controller"))

	err := c.GetServiceAccount(ctx, "moodle-eks", "us-east-1", "default", "other")
	assert.True(t, providers.IsNotFound(err))

	runner = execx.NewFakeRunner().On("eksctl get iamserviceaccount", execx.Response{
		Err: &execx.ExitError{Command: "eksctl get", ExitCode: 1, Stderr: "Error: No iamserviceaccounts found"},
	})
	err = New(runner).GetServiceAccount(ctx, "moodle-eks", "us-east-1", "kube-system", "aws-load-balancer-controller")
	assert.True(t, providers.IsNotFound(err))
}

func TestCreateServiceAccountArgs(t *testing.T) {
	runner := execx.NewFakeRunner()
	err := New(runner).CreateServiceAccount(context.Background(), providers.ServiceAccountSpec{
		Cluster:   "moodle-eks",
		Region:    "us-east-1",
		Namespace: "kube-system",
		Name:      "aws-load-balancer-controller",
		PolicyARN: "arn:aws:iam::123456789012:policy/AWSLoadBalancerControllerIAMPolicy",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"eksctl create iamserviceaccount --cluster moodle-eks --region us-east-1 --namespace kube-system" +
			" --name aws-load-balancer-controller --attach-policy-arn arn:aws:iam::123456789012:policy/AWSLoadBalancerControllerIAMPolicy" +
			" --override-existing-serviceaccounts --approve",
	}, runner.Lines())
}
