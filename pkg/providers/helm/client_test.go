package helm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/providers/execx"
)

func TestReleaseStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("deployed", func(t *testing.T) {
		runner := execx.NewFakeRunner().On("helm status metrics-server", execx.Response{
			Stdout: `{"name":"metrics-server","info":{"status":"deployed"},"version":2}`,
		})
		status, err := New(runner, "/tmp/kc").ReleaseStatus(ctx, "metrics-server", "kube-system")
		require.NoError(t, err)
		assert.Equal(t, "deployed", status)
		assert.Equal(t, []string{"helm status metrics-server --namespace kube-system --output json --kubeconfig /tmp/kc"}, runner.Lines())
	})

	t.Run("missing release", func(t *testing.T) {
		runner := execx.NewFakeRunner().On("helm status", execx.Response{
			Err: &execx.ExitError{Command: "helm status", ExitCode: 1, Stderr: "Error: release: not found"},
		})
		_, err := New(runner, "").ReleaseStatus(ctx, "metrics-server", "kube-system")
		assert.True(t, providers.IsNotFound(err))
	})

	t.Run("other failures are not absence", func(t *testing.T) {
		runner := execx.NewFakeRunner().On("helm status", execx.Response{
			Err: &execx.ExitError{Command: "helm status", ExitCode: 1, Stderr: "Kubernetes cluster unreachable"},
		})
		_, err := New(runner, "").ReleaseStatus(ctx, "metrics-server", "kube-system")
		require.Error(t, err)
		assert.False(t, providers.IsNotFound(err))
	})
}

func TestInstallRelease(t *testing.T) {
	runner := execx.NewFakeRunner()
	c := New(runner, "/tmp/kc")

	err := c.InstallRelease(context.Background(), providers.Release{
		Name:      "aws-load-balancer-controller",
		Namespace: "kube-system",
		RepoName:  "eks",
		RepoURL:   "https://aws.github.io/eks-charts",
		Chart:     "eks/aws-load-balancer-controller",
		Version:   "1.8.1",
		Values:    map[string]string{"region": "us-east-1", "clusterName": "moodle-eks"},
	})
	require.NoError(t, err)

	lines := runner.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "helm repo add eks https://aws.github.io/eks-charts --force-update --kubeconfig /tmp/kc", lines[0])
	assert.Equal(t, "helm repo update eks --kubeconfig /tmp/kc", lines[1])
	assert.Equal(t, "helm upgrade --install aws-load-balancer-controller eks/aws-load-balancer-controller"+
		" --namespace kube-system --create-namespace --wait --timeout 10m0s --version 1.8.1"+
		" --set clusterName=moodle-eks --set region=us-east-1 --kubeconfig /tmp/kc", lines[2])
}

func TestUninstallReleaseNotFound(t *testing.T) {
	runner := execx.NewFakeRunner().On("helm uninstall", execx.Response{
		Err: &execx.ExitError{Command: "helm uninstall", ExitCode: 1, Stderr: "Error: uninstall: Release not loaded: metrics-server: release: not found"},
	})
	err := New(runner, "").UninstallRelease(context.Background(), "metrics-server", "kube-system")
	assert.True(t, providers.IsNotFound(err))
}
