package cluster

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/coreplatform/workflow-orchestrator/internal/apierrors"
	"github.com/coreplatform/workflow-orchestrator/internal/o11y/metrics"
)

// CreateConfigMap idempotently creates a config map. AlreadyExists is
// returned raw, not swallowed; callers decide whether it's benign.
func (a *Adapter) CreateConfigMap(ctx context.Context, name, namespace string, data map[string]string, labels map[string]string) error {
	_, err := a.client.CoreV1().ConfigMaps(namespace).Create(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Data:       data,
	}, metav1.CreateOptions{})
	classified := apierrors.Classify("create_config_map", err)
	metrics.ObserveClusterCall("create_config_map", classified)
	return classified
}

// DeleteConfigMap deletes a config map, tolerant of NotFound.
func (a *Adapter) DeleteConfigMap(ctx context.Context, name, namespace string) error {
	err := a.client.CoreV1().ConfigMaps(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	classified := apierrors.Classify("delete_config_map", err)
	metrics.ObserveClusterCall("delete_config_map", classified)
	return apierrors.IgnoreNotFound(classified)
}

// CreatePod creates a pod from the given manifest.
func (a *Adapter) CreatePod(ctx context.Context, pod *corev1.Pod, namespace string) error {
	_, err := a.client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	classified := apierrors.Classify("create_pod", err)
	metrics.ObserveClusterCall("create_pod", classified)
	return classified
}

// DeletePod deletes a pod, tolerant of NotFound.
func (a *Adapter) DeletePod(ctx context.Context, name, namespace string) error {
	err := a.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	classified := apierrors.Classify("delete_pod", err)
	metrics.ObserveClusterCall("delete_pod", classified)
	return apierrors.IgnoreNotFound(classified)
}

// CreatePersistentVolumeClaim creates a PVC of the given size.
func (a *Adapter) CreatePersistentVolumeClaim(ctx context.Context, name, namespace, size string, labels map[string]string) error {
	_, err := a.client.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(size),
				},
			},
		},
	}, metav1.CreateOptions{})
	classified := apierrors.Classify("create_persistent_volume_claim", err)
	metrics.ObserveClusterCall("create_persistent_volume_claim", classified)
	return classified
}

// DeletePersistentVolumeClaim deletes a PVC, tolerant of NotFound.
func (a *Adapter) DeletePersistentVolumeClaim(ctx context.Context, name, namespace string) error {
	err := a.client.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	classified := apierrors.Classify("delete_persistent_volume_claim", err)
	metrics.ObserveClusterCall("delete_persistent_volume_claim", classified)
	return apierrors.IgnoreNotFound(classified)
}

// GetPodLog fetches the worker container's log. If tailLines is nil,
// the full log is returned.
func (a *Adapter) GetPodLog(ctx context.Context, podName, container, namespace string, tailLines *int64) (string, error) {
	opts := &corev1.PodLogOptions{Container: container}
	if tailLines != nil {
		opts.TailLines = tailLines
	}

	req := a.client.CoreV1().Pods(namespace).GetLogs(podName, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		classified := apierrors.Classify("get_pod_log", err)
		metrics.ObserveClusterCall("get_pod_log", classified)
		return "", classified
	}
	metrics.ObserveClusterCall("get_pod_log", nil)
	defer stream.Close()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	return string(buf), nil
}
