// Package manifests builds the typed Kubernetes objects of a Moodle
// deployment and renders them for display.
package manifests

import (
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/chalkan3/moodle-eks/internal/plan"
)

const (
	// EFSDriver is the CSI driver that mounts the filesystem
	EFSDriver = "efs.csi.aws.com"
	// HashAnnotation carries the content hash of the rendered pod template
	HashAnnotation = "moodle-eks/config-hash"
	// DataMountPath is where the bitnami image keeps moodledata
	DataMountPath = "/bitnami/moodledata"

	containerPort = 8080
	servicePort   = 80
)

// Secret keys read by the Moodle image
const (
	KeyDBType     = "MOODLE_DATABASE_TYPE"
	KeyDBHost     = "MOODLE_DATABASE_HOST"
	KeyDBPort     = "MOODLE_DATABASE_PORT_NUMBER"
	KeyDBName     = "MOODLE_DATABASE_NAME"
	KeyDBUser     = "MOODLE_DATABASE_USER"
	KeyDBPassword = "MOODLE_DATABASE_PASSWORD"
	KeyAdminPass  = "MOODLE_PASSWORD"
)

// Connection is what the application needs to reach its database
type Connection struct {
	Host          string
	Port          int
	Username      string
	Password      string
	AdminPassword string
}

// DriverFor maps an RDS engine to the Moodle database driver
func DriverFor(engine string) string {
	switch engine {
	case "postgres":
		return "pgsql"
	case "mariadb":
		return "mariadb"
	}
	return "mysqli"
}

func objectMeta(name, namespace string, labels map[string]string) metav1.ObjectMeta {
	l := make(map[string]string, len(labels))
	for k, v := range labels {
		l[k] = v
	}
	return metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: l}
}

func selector(p *plan.Plan) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":     "moodle",
		"app.kubernetes.io/instance": p.Name,
	}
}

// Namespace is the application namespace
func Namespace(p *plan.Plan) *corev1.Namespace {
	return &corev1.Namespace{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: objectMeta(p.App.Namespace, "", p.App.Labels),
	}
}

// DatabaseSecret holds the connection settings the pods read through envFrom
func DatabaseSecret(p *plan.Plan, conn Connection) *corev1.Secret {
	return &corev1.Secret{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"},
		ObjectMeta: objectMeta(p.App.SecretName, p.App.Namespace, p.App.Labels),
		Type:       corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			KeyDBType:     []byte(DriverFor(p.Database.Engine)),
			KeyDBHost:     []byte(conn.Host),
			KeyDBPort:     []byte(strconv.Itoa(conn.Port)),
			KeyDBName:     []byte(p.Database.DBName),
			KeyDBUser:     []byte(conn.Username),
			KeyDBPassword: []byte(conn.Password),
			KeyAdminPass:  []byte(conn.AdminPassword),
		},
	}
}

// PersistentVolume statically binds the EFS filesystem
func PersistentVolume(p *plan.Plan, fileSystemID string) *corev1.PersistentVolume {
	return &corev1.PersistentVolume{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolume"},
		ObjectMeta: objectMeta(p.App.PVName, "", p.App.Labels),
		Spec: corev1.PersistentVolumeSpec{
			Capacity: corev1.ResourceList{
				corev1.ResourceStorage: resource.MustParse(p.App.StorageSize),
			},
			VolumeMode:                    ptr(corev1.PersistentVolumeFilesystem),
			AccessModes:                   []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
			PersistentVolumeReclaimPolicy: corev1.PersistentVolumeReclaimRetain,
			StorageClassName:              "",
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				CSI: &corev1.CSIPersistentVolumeSource{
					Driver:       EFSDriver,
					VolumeHandle: fileSystemID,
				},
			},
			ClaimRef: &corev1.ObjectReference{
				Namespace: p.App.Namespace,
				Name:      p.App.PVCName,
			},
		},
	}
}

// PersistentVolumeClaim claims the static volume
func PersistentVolumeClaim(p *plan.Plan) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		ObjectMeta: objectMeta(p.App.PVCName, p.App.Namespace, p.App.Labels),
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
			StorageClassName: ptr(""),
			VolumeName:       p.App.PVName,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(p.App.StorageSize),
				},
			},
		},
	}
}

// Deployment runs the Moodle pods
func Deployment(p *plan.Plan) *appsv1.Deployment {
	labels := selector(p)
	for k, v := range p.App.Labels {
		labels[k] = v
	}

	container := corev1.Container{
		Name:  "moodle",
		Image: p.App.Image,
		Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: containerPort, Protocol: corev1.ProtocolTCP}},
		EnvFrom: []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: p.App.SecretName}},
		}},
		Env: []corev1.EnvVar{
			{Name: "MOODLE_USERNAME", Value: p.App.AdminUser},
			{Name: "MOODLE_EMAIL", Value: p.App.AdminEmail},
			{Name: "MOODLE_SITE_NAME", Value: p.App.SiteName},
			{Name: "ALLOW_EMPTY_PASSWORD", Value: "no"},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(p.App.CPURequest),
				corev1.ResourceMemory: resource.MustParse(p.App.MemoryRequest),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(p.App.CPULimit),
				corev1.ResourceMemory: resource.MustParse(p.App.MemoryLimit),
			},
		},
		VolumeMounts: []corev1.VolumeMount{{Name: "moodledata", MountPath: DataMountPath}},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: "/login/index.php", Port: intstr.FromString("http")},
			},
			InitialDelaySeconds: 30,
			PeriodSeconds:       10,
			FailureThreshold:    6,
		},
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString("http")},
			},
			InitialDelaySeconds: 600,
			PeriodSeconds:       20,
		},
	}

	template := corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: labels},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{container},
			Volumes: []corev1.Volume{{
				Name: "moodledata",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: p.App.PVCName},
				},
			}},
		},
	}
	if hash, err := ObjectHash(template.Spec); err == nil {
		template.Annotations = map[string]string{HashAnnotation: hash[:16]}
	}

	return &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: objectMeta(p.App.DeploymentName, p.App.Namespace, p.App.Labels),
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr(int32(p.App.Replicas)),
			Selector: &metav1.LabelSelector{MatchLabels: selector(p)},
			Template: template,
		},
	}
}

// Service exposes the pods inside the cluster
func Service(p *plan.Plan) *corev1.Service {
	return &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: objectMeta(p.App.ServiceName, p.App.Namespace, p.App.Labels),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selector(p),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       servicePort,
				TargetPort: intstr.FromString("http"),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// Ingress asks the load balancer controller for an ALB
func Ingress(p *plan.Plan) *networkingv1.Ingress {
	annotations := map[string]string{
		"alb.ingress.kubernetes.io/scheme":           p.Ingress.Scheme,
		"alb.ingress.kubernetes.io/target-type":      "ip",
		"alb.ingress.kubernetes.io/healthcheck-path": "/login/index.php",
		"alb.ingress.kubernetes.io/listen-ports":     `[{"HTTP": 80}]`,
	}
	if p.Ingress.CertificateARN != "" {
		annotations["alb.ingress.kubernetes.io/certificate-arn"] = p.Ingress.CertificateARN
		annotations["alb.ingress.kubernetes.io/listen-ports"] = `[{"HTTP": 80}, {"HTTPS": 443}]`
		annotations["alb.ingress.kubernetes.io/ssl-redirect"] = "443"
	}

	pathType := networkingv1.PathTypePrefix
	rule := networkingv1.IngressRule{
		Host: p.DNS.RecordName,
		IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
			Paths: []networkingv1.HTTPIngressPath{{
				Path:     "/",
				PathType: &pathType,
				Backend: networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{
					Name: p.App.ServiceName,
					Port: networkingv1.ServiceBackendPort{Number: servicePort},
				}},
			}},
		}},
	}

	obj := objectMeta(p.Ingress.Name, p.App.Namespace, p.App.Labels)
	obj.Annotations = annotations
	return &networkingv1.Ingress{
		TypeMeta:   metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "Ingress"},
		ObjectMeta: obj,
		Spec: networkingv1.IngressSpec{
			IngressClassName: ptr(p.Ingress.ClassName),
			Rules:            []networkingv1.IngressRule{rule},
		},
	}
}

// HorizontalPodAutoscaler scales the Deployment on CPU utilization
func HorizontalPodAutoscaler(p *plan.Plan) *autoscalingv2.HorizontalPodAutoscaler {
	return &autoscalingv2.HorizontalPodAutoscaler{
		TypeMeta:   metav1.TypeMeta{APIVersion: "autoscaling/v2", Kind: "HorizontalPodAutoscaler"},
		ObjectMeta: objectMeta(p.Scaling.Name, p.App.Namespace, p.App.Labels),
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       p.App.DeploymentName,
			},
			MinReplicas: ptr(int32(p.Scaling.MinPods)),
			MaxReplicas: int32(p.Scaling.MaxPods),
			Metrics: []autoscalingv2.MetricSpec{{
				Type: autoscalingv2.ResourceMetricSourceType,
				Resource: &autoscalingv2.ResourceMetricSource{
					Name: corev1.ResourceCPU,
					Target: autoscalingv2.MetricTarget{
						Type:               autoscalingv2.UtilizationMetricType,
						AverageUtilization: ptr(int32(p.Scaling.TargetCPU)),
					},
				},
			}},
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}
