package kube

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

func testCluster() *providers.ClusterInfo {
	return &providers.ClusterInfo{
		Name:                 "moodle-eks",
		Endpoint:             "https://ABC.gr7.us-east-1.eks.amazonaws.com",
		CertificateAuthority: base64.StdEncoding.EncodeToString([]byte("-----BEGIN CERTIFICATE-----\n")),
	}
}

func TestBuildKubeconfig(t *testing.T) {
	cfg, err := BuildKubeconfig(testCluster(), "us-east-1")
	require.NoError(t, err)

	assert.Equal(t, "moodle-eks", cfg.CurrentContext)
	cluster := cfg.Clusters["moodle-eks"]
	require.NotNil(t, cluster)
	assert.Equal(t, "https://ABC.gr7.us-east-1.eks.amazonaws.com", cluster.Server)
	assert.Equal(t, []byte("-----BEGIN CERTIFICATE-----\n"), cluster.CertificateAuthorityData)

	exec := cfg.AuthInfos["moodle-eks"].Exec
	require.NotNil(t, exec)
	assert.Equal(t, "aws", exec.Command)
	assert.Equal(t, []string{"eks", "get-token", "--cluster-name", "moodle-eks", "--region", "us-east-1", "--output", "json"}, exec.Args)

	rc, err := RESTConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://ABC.gr7.us-east-1.eks.amazonaws.com", rc.Host)
	require.NotNil(t, rc.ExecProvider)
}

func TestBuildKubeconfigRequiresEndpoint(t *testing.T) {
	_, err := BuildKubeconfig(&providers.ClusterInfo{Name: "x"}, "us-east-1")
	assert.Error(t, err)

	_, err = BuildKubeconfig(&providers.ClusterInfo{Name: "x", Endpoint: "https://x", CertificateAuthority: "%%%"}, "us-east-1")
	assert.Error(t, err)
}

func TestWriteKubeconfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := BuildKubeconfig(testCluster(), "us-east-1")
	require.NoError(t, err)

	path := KubeconfigPath(filepath.Join(dir, "kube"), "moodle-eks")
	require.NoError(t, WriteKubeconfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := clientcmd.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "moodle-eks", loaded.CurrentContext)
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewClient(fake.NewSimpleClientset())
	ref := providers.ObjectRef{Kind: providers.KindNamespace, Name: "moodle"}

	assert.True(t, providers.IsNotFound(c.Get(ctx, ref)))

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "moodle"}}
	require.NoError(t, c.Create(ctx, ns))
	require.NoError(t, c.Get(ctx, ref))
	assert.True(t, providers.IsAlreadyExists(c.Create(ctx, ns)))

	require.NoError(t, c.Delete(ctx, ref))
	assert.True(t, providers.IsNotFound(c.Delete(ctx, ref)))
}

func TestClientUnsupported(t *testing.T) {
	c := NewClient(fake.NewSimpleClientset())
	assert.Error(t, c.Get(context.Background(), providers.ObjectRef{Kind: "ConfigMap", Name: "x"}))
	assert.Error(t, c.Create(context.Background(), &corev1.ConfigMap{}))
}

func TestDeploymentStatus(t *testing.T) {
	replicas := int32(2)
	cs := fake.NewSimpleClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "moodle", Namespace: "moodle"},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
		Status:     appsv1.DeploymentStatus{ReadyReplicas: 1, AvailableReplicas: 1},
	})
	status, err := NewClient(cs).DeploymentStatus(context.Background(), "moodle", "moodle")
	require.NoError(t, err)
	assert.Equal(t, providers.DeploymentStatus{Desired: 2, Ready: 1, Available: 1}, *status)
}

func TestIngressHostname(t *testing.T) {
	ctx := context.Background()
	pending := &networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "pending", Namespace: "moodle"}}
	ready := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: "moodle", Namespace: "moodle"},
		Status: networkingv1.IngressStatus{LoadBalancer: networkingv1.IngressLoadBalancerStatus{
			Ingress: []networkingv1.IngressLoadBalancerIngress{{Hostname: "k8s-moodle-123.us-east-1.elb.amazonaws.com"}},
		}},
	}
	c := NewClient(fake.NewSimpleClientset(pending, ready))

	host, err := c.IngressHostname(ctx, "moodle", "pending")
	require.NoError(t, err)
	assert.Empty(t, host)

	host, err = c.IngressHostname(ctx, "moodle", "moodle")
	require.NoError(t, err)
	assert.Equal(t, "k8s-moodle-123.us-east-1.elb.amazonaws.com", host)

	_, err = c.IngressHostname(ctx, "moodle", "missing")
	assert.True(t, providers.IsNotFound(err))
}

func TestGetSecretData(t *testing.T) {
	cs := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "moodle-database", Namespace: "moodle"},
		Data:       map[string][]byte{"host": []byte("db")},
	})
	data, err := NewClient(cs).GetSecretData(context.Background(), "moodle", "moodle-database")
	require.NoError(t, err)
	assert.Equal(t, []byte("db"), data["host"])
}
