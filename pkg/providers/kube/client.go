package kube

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// Client implements providers.KubernetesAPI on a typed clientset
type Client struct {
	cs kubernetes.Interface
}

// NewClient wraps a clientset
func NewClient(cs kubernetes.Interface) *Client {
	return &Client{cs: cs}
}

// Clientset exposes the underlying clientset
func (c *Client) Clientset() kubernetes.Interface {
	return c.cs
}

func refName(ref providers.ObjectRef) string {
	if ref.Namespace == "" {
		return ref.Kind + "/" + ref.Name
	}
	return ref.Kind + "/" + ref.Namespace + "/" + ref.Name
}

func wrap(op string, ref providers.ObjectRef, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %s: %w", providers.ErrNotFound, refName(ref), err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %s: %w", providers.ErrAlreadyExists, refName(ref), err)
	}
	return fmt.Errorf("%s %s: %w", op, refName(ref), err)
}

// Get returns nil when the object exists
func (c *Client) Get(ctx context.Context, ref providers.ObjectRef) error {
	opts := metav1.GetOptions{}
	var err error
	switch ref.Kind {
	case providers.KindNamespace:
		_, err = c.cs.CoreV1().Namespaces().Get(ctx, ref.Name, opts)
	case providers.KindSecret:
		_, err = c.cs.CoreV1().Secrets(ref.Namespace).Get(ctx, ref.Name, opts)
	case providers.KindPV:
		_, err = c.cs.CoreV1().PersistentVolumes().Get(ctx, ref.Name, opts)
	case providers.KindPVC:
		_, err = c.cs.CoreV1().PersistentVolumeClaims(ref.Namespace).Get(ctx, ref.Name, opts)
	case providers.KindDeployment:
		_, err = c.cs.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, opts)
	case providers.KindService:
		_, err = c.cs.CoreV1().Services(ref.Namespace).Get(ctx, ref.Name, opts)
	case providers.KindIngress:
		_, err = c.cs.NetworkingV1().Ingresses(ref.Namespace).Get(ctx, ref.Name, opts)
	case providers.KindHPA:
		_, err = c.cs.AutoscalingV2().HorizontalPodAutoscalers(ref.Namespace).Get(ctx, ref.Name, opts)
	default:
		return fmt.Errorf("unsupported kind %q", ref.Kind)
	}
	return wrap("get", ref, err)
}

// Create creates a typed object
func (c *Client) Create(ctx context.Context, obj runtime.Object) error {
	opts := metav1.CreateOptions{FieldManager: "moodle-eks"}
	var (
		ref providers.ObjectRef
		err error
	)
	switch o := obj.(type) {
	case *corev1.Namespace:
		ref = providers.ObjectRef{Kind: providers.KindNamespace, Name: o.Name}
		_, err = c.cs.CoreV1().Namespaces().Create(ctx, o, opts)
	case *corev1.Secret:
		ref = providers.ObjectRef{Kind: providers.KindSecret, Namespace: o.Namespace, Name: o.Name}
		_, err = c.cs.CoreV1().Secrets(o.Namespace).Create(ctx, o, opts)
	case *corev1.PersistentVolume:
		ref = providers.ObjectRef{Kind: providers.KindPV, Name: o.Name}
		_, err = c.cs.CoreV1().PersistentVolumes().Create(ctx, o, opts)
	case *corev1.PersistentVolumeClaim:
		ref = providers.ObjectRef{Kind: providers.KindPVC, Namespace: o.Namespace, Name: o.Name}
		_, err = c.cs.CoreV1().PersistentVolumeClaims(o.Namespace).Create(ctx, o, opts)
	case *appsv1.Deployment:
		ref = providers.ObjectRef{Kind: providers.KindDeployment, Namespace: o.Namespace, Name: o.Name}
		_, err = c.cs.AppsV1().Deployments(o.Namespace).Create(ctx, o, opts)
	case *corev1.Service:
		ref = providers.ObjectRef{Kind: providers.KindService, Namespace: o.Namespace, Name: o.Name}
		_, err = c.cs.CoreV1().Services(o.Namespace).Create(ctx, o, opts)
	case *networkingv1.Ingress:
		ref = providers.ObjectRef{Kind: providers.KindIngress, Namespace: o.Namespace, Name: o.Name}
		_, err = c.cs.NetworkingV1().Ingresses(o.Namespace).Create(ctx, o, opts)
	case *autoscalingv2.HorizontalPodAutoscaler:
		ref = providers.ObjectRef{Kind: providers.KindHPA, Namespace: o.Namespace, Name: o.Name}
		_, err = c.cs.AutoscalingV2().HorizontalPodAutoscalers(o.Namespace).Create(ctx, o, opts)
	default:
		return fmt.Errorf("unsupported object type %T", obj)
	}
	return wrap("create", ref, err)
}

// Delete deletes an object, letting dependents be garbage collected in the background
func (c *Client) Delete(ctx context.Context, ref providers.ObjectRef) error {
	policy := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}
	var err error
	switch ref.Kind {
	case providers.KindNamespace:
		err = c.cs.CoreV1().Namespaces().Delete(ctx, ref.Name, opts)
	case providers.KindSecret:
		err = c.cs.CoreV1().Secrets(ref.Namespace).Delete(ctx, ref.Name, opts)
	case providers.KindPV:
		err = c.cs.CoreV1().PersistentVolumes().Delete(ctx, ref.Name, opts)
	case providers.KindPVC:
		err = c.cs.CoreV1().PersistentVolumeClaims(ref.Namespace).Delete(ctx, ref.Name, opts)
	case providers.KindDeployment:
		err = c.cs.AppsV1().Deployments(ref.Namespace).Delete(ctx, ref.Name, opts)
	case providers.KindService:
		err = c.cs.CoreV1().Services(ref.Namespace).Delete(ctx, ref.Name, opts)
	case providers.KindIngress:
		err = c.cs.NetworkingV1().Ingresses(ref.Namespace).Delete(ctx, ref.Name, opts)
	case providers.KindHPA:
		err = c.cs.AutoscalingV2().HorizontalPodAutoscalers(ref.Namespace).Delete(ctx, ref.Name, opts)
	default:
		return fmt.Errorf("unsupported kind %q", ref.Kind)
	}
	return wrap("delete", ref, err)
}

// GetSecretData returns the data of a Secret
func (c *Client) GetSecretData(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	s, err := c.cs.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("get", providers.ObjectRef{Kind: providers.KindSecret, Namespace: namespace, Name: name}, err)
	}
	return s.Data, nil
}

// DeploymentStatus returns desired, ready and available replica counts
func (c *Client) DeploymentStatus(ctx context.Context, namespace, name string) (*providers.DeploymentStatus, error) {
	d, err := c.cs.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("get", providers.ObjectRef{Kind: providers.KindDeployment, Namespace: namespace, Name: name}, err)
	}
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	return &providers.DeploymentStatus{
		Desired:   desired,
		Ready:     d.Status.ReadyReplicas,
		Available: d.Status.AvailableReplicas,
	}, nil
}

// IngressHostname returns the first load balancer hostname or IP of an Ingress
func (c *Client) IngressHostname(ctx context.Context, namespace, name string) (string, error) {
	ing, err := c.cs.NetworkingV1().Ingresses(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", wrap("get", providers.ObjectRef{Kind: providers.KindIngress, Namespace: namespace, Name: name}, err)
	}
	for _, lb := range ing.Status.LoadBalancer.Ingress {
		if lb.Hostname != "" {
			return lb.Hostname, nil
		}
		if lb.IP != "" {
			return lb.IP, nil
		}
	}
	return "", nil
}
