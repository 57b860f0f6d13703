package manifests

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/pkg/config"
)

func testPlan(t *testing.T, mutate func(*config.Config)) *plan.Plan {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	p, err := plan.Build(cfg, "manifests")
	require.NoError(t, err)
	return p
}

func testInputs() Inputs {
	return Inputs{
		Connection: Connection{
			Host:          "moodle-db.abc.us-east-1.rds.amazonaws.com",
			Port:          3306,
			Username:      "moodleadmin",
			Password:      "s3cret",
			AdminPassword: "admin-s3cret",
		},
		FileSystemID: "fs-0123",
	}
}

func TestDriverFor(t *testing.T) {
	assert.Equal(t, "mysqli", DriverFor("mysql"))
	assert.Equal(t, "mariadb", DriverFor("mariadb"))
	assert.Equal(t, "pgsql", DriverFor("postgres"))
}

func TestDatabaseSecret(t *testing.T) {
	p := testPlan(t, nil)
	s := DatabaseSecret(p, testInputs().Connection)

	assert.Equal(t, "moodle-database", s.Name)
	assert.Equal(t, "moodle", s.Namespace)
	assert.Equal(t, "Secret", s.Kind)
	assert.Equal(t, []byte("mysqli"), s.Data[KeyDBType])
	assert.Equal(t, []byte("3306"), s.Data[KeyDBPort])
	assert.Equal(t, []byte("moodle"), s.Data[KeyDBName])
	assert.Equal(t, []byte("s3cret"), s.Data[KeyDBPassword])
	assert.Equal(t, []byte("admin-s3cret"), s.Data[KeyAdminPass])
}

func TestPersistentVolumeBindsFileSystem(t *testing.T) {
	p := testPlan(t, nil)
	pv := PersistentVolume(p, "fs-0123")
	require.NotNil(t, pv.Spec.CSI)
	assert.Equal(t, EFSDriver, pv.Spec.CSI.Driver)
	assert.Equal(t, "fs-0123", pv.Spec.CSI.VolumeHandle)
	assert.Equal(t, corev1.PersistentVolumeReclaimRetain, pv.Spec.PersistentVolumeReclaimPolicy)
	assert.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}, pv.Spec.AccessModes)

	pvc := PersistentVolumeClaim(p)
	assert.Equal(t, pv.Name, pvc.Spec.VolumeName)
	require.NotNil(t, pvc.Spec.StorageClassName)
	assert.Empty(t, *pvc.Spec.StorageClassName)
}

func TestDeployment(t *testing.T) {
	p := testPlan(t, nil)
	d := Deployment(p)

	require.Len(t, d.Spec.Template.Spec.Containers, 1)
	c := d.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "bitnami/moodle:4.3", c.Image)
	assert.Equal(t, int32(8080), c.Ports[0].ContainerPort)
	assert.Equal(t, "moodle-database", c.EnvFrom[0].SecretRef.Name)
	assert.Equal(t, DataMountPath, c.VolumeMounts[0].MountPath)
	assert.Equal(t, "moodledata", d.Spec.Template.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)
	assert.Equal(t, int32(1), *d.Spec.Replicas)

	for k, v := range d.Spec.Selector.MatchLabels {
		assert.Equal(t, v, d.Spec.Template.Labels[k])
	}

	hash := d.Spec.Template.Annotations[HashAnnotation]
	assert.Len(t, hash, 16)
	assert.Equal(t, hash, Deployment(p).Spec.Template.Annotations[HashAnnotation])

	other := testPlan(t, func(c *config.Config) { c.App.Image = "bitnami/moodle:4.4" })
	assert.NotEqual(t, hash, Deployment(other).Spec.Template.Annotations[HashAnnotation])
}

func TestIngress(t *testing.T) {
	p := testPlan(t, nil)
	ing := Ingress(p)
	assert.Equal(t, "alb", *ing.Spec.IngressClassName)
	assert.Equal(t, "internet-facing", ing.Annotations["alb.ingress.kubernetes.io/scheme"])
	assert.Equal(t, "ip", ing.Annotations["alb.ingress.kubernetes.io/target-type"])
	assert.NotContains(t, ing.Annotations, "alb.ingress.kubernetes.io/certificate-arn")
	assert.Empty(t, ing.Spec.Rules[0].Host)
	assert.Equal(t, "moodle", ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service.Name)

	tls := testPlan(t, func(c *config.Config) {
		c.Ingress.CertificateARN = "arn:aws:acm:us-east-1:123:certificate/abc"
		c.DNS.Domain = "example.com"
		c.DNS.Record = "learn.example.com"
	})
	ing = Ingress(tls)
	assert.Equal(t, "arn:aws:acm:us-east-1:123:certificate/abc", ing.Annotations["alb.ingress.kubernetes.io/certificate-arn"])
	assert.Equal(t, "443", ing.Annotations["alb.ingress.kubernetes.io/ssl-redirect"])
	assert.Equal(t, "learn.example.com", ing.Spec.Rules[0].Host)
}

func TestHorizontalPodAutoscaler(t *testing.T) {
	p := testPlan(t, nil)
	hpa := HorizontalPodAutoscaler(p)
	assert.Equal(t, "moodle", hpa.Spec.ScaleTargetRef.Name)
	assert.Equal(t, int32(1), *hpa.Spec.MinReplicas)
	assert.Equal(t, int32(4), hpa.Spec.MaxReplicas)
	assert.Equal(t, int32(60), *hpa.Spec.Metrics[0].Resource.Target.AverageUtilization)
}

func TestBundle(t *testing.T) {
	p := testPlan(t, nil)
	r, err := Bundle(p, testInputs())
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 8)
	assert.Equal(t, "Namespace/moodle", list[0].Key())
	assert.Equal(t, "HorizontalPodAutoscaler/moodle/moodle", list[7].Key())

	out := r.Render()
	assert.Equal(t, 7, strings.Count(out, "---\n"))
	assert.Contains(t, out, "kind: Deployment")
	assert.Contains(t, out, "volumeHandle: fs-0123")

	again, err := Bundle(p, testInputs())
	require.NoError(t, err)
	assert.Equal(t, r.Hash(), again.Hash())
	assert.False(t, r.Diff(again).HasChanges())
}

func TestRegistryDiff(t *testing.T) {
	p := testPlan(t, nil)
	base := NewRegistry()
	_, err := base.Register(Namespace(p))
	require.NoError(t, err)
	_, err = base.Register(Service(p))
	require.NoError(t, err)

	changed := testPlan(t, func(c *config.Config) { c.App.Image = "bitnami/moodle:4.4" })
	next := NewRegistry()
	_, err = next.Register(Namespace(changed))
	require.NoError(t, err)
	_, err = next.Register(Deployment(changed))
	require.NoError(t, err)

	diff := next.Diff(base)
	assert.True(t, diff.HasChanges())
	assert.Equal(t, []string{"Deployment/moodle/moodle"}, diff.Added)
	assert.Equal(t, []string{"Service/moodle/moodle"}, diff.Removed)
	assert.Empty(t, diff.Modified)
}

func TestRegisterRequiresKind(t *testing.T) {
	_, err := NewRegistry().Register(&corev1.ConfigMap{})
	assert.Error(t, err)
}
