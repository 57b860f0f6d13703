package fake

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

func secretData(obj runtime.Object) map[string][]byte {
	s, ok := obj.(*corev1.Secret)
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(s.Data)+len(s.StringData))
	for k, v := range s.Data {
		out[k] = v
	}
	for k, v := range s.StringData {
		out[k] = []byte(v)
	}
	return out
}

func deploymentReplicas(obj runtime.Object) int32 {
	d, ok := obj.(*appsv1.Deployment)
	if !ok || d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}
