// Package manifest synthesizes the pod specification for a workflow's
// worker, optional side-car, and optional input-init container. The
// builder is pure: it performs no I/O and two calls with identical
// input yield structurally identical manifests.
package manifest

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/coreplatform/workflow-orchestrator/internal/servicedesc"
	"github.com/coreplatform/workflow-orchestrator/internal/util"
)

// WorkerContainerName is the name assigned to the worker container by
// BuildPod, exported so the monitor and status paths can address it by
// name without duplicating the literal.
const WorkerContainerName = workerName

const (
	jobVolumeName    = "job-volume"
	workerName       = "worker"
	sideCarName      = "side-car"
	inputInitName    = "data-input-init"
	inputInitMount   = "/opt/config/input-init.json"
	apiConfigMount   = "/opt/config/workflow-api.cfg"
	inputInitDataDir = "/data/"
	sideCarOutputDir = "/output"
	apiConfigSecret  = "workflow-api-config"
)

// InputRecord is a non-environment workflow input mounted by the
// input-init container.
type InputRecord struct {
	Name            string
	Kind            servicedesc.ResourceKind
	MountPath       string
	SourceReference string
}

// BackendConfig is the subset of the cluster adapter's process
// configuration the manifest builder needs.
type BackendConfig struct {
	ImagePullSecret string
	SideCarImage    string
	JobStorageSize  string
}

// Input is everything the builder needs to synthesize one pod spec.
type Input struct {
	JobID                    string
	WorkflowResource         servicedesc.WorkflowResourceSpec
	ConfigMapRefs            []string
	InputConfigRef           string
	InputResources           []InputRecord
	Namespace                string
	PersistentVolumeClaimID  string
	Labels                   map[string]string
	Backend                  BackendConfig
}

// BuildPod synthesizes the pod specification for in.
func BuildPod(in Input) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      in.JobID,
			Namespace: in.Namespace,
			Labels:    labels(in.Labels),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Volumes:       []corev1.Volume{jobVolume(in)},
			Containers:    []corev1.Container{workerContainer(in)},
		},
	}

	if in.Backend.ImagePullSecret != "" {
		pod.Spec.ImagePullSecrets = []corev1.LocalObjectReference{
			{Name: in.Backend.ImagePullSecret},
		}
	}

	if in.WorkflowResource.WorkerOutputDirectory != "" {
		pod.Spec.Containers = append(pod.Spec.Containers, sideCarContainer(in))
	}

	if in.InputConfigRef != "" {
		pod.Spec.InitContainers = []corev1.Container{inputInitContainer(in)}
		pod.Spec.Volumes = append(pod.Spec.Volumes,
			corev1.Volume{
				Name: "input-init-config",
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: in.InputConfigRef},
					},
				},
			},
			corev1.Volume{
				Name: "workflow-api-config",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{SecretName: apiConfigSecret},
				},
			},
		)
	}

	return pod
}

func labels(extra map[string]string) map[string]string {
	return util.MergeLabelMaps(map[string]string{"app": "workflow-worker"}, extra)
}

// jobVolume implements rule 1: bind the PVC if present, else an
// ephemeral scratch volume sized from the backend config.
func jobVolume(in Input) corev1.Volume {
	if in.PersistentVolumeClaimID != "" {
		return corev1.Volume{
			Name: jobVolumeName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: in.PersistentVolumeClaimID,
				},
			},
		}
	}

	var sizeLimit *resource.Quantity
	if in.Backend.JobStorageSize != "" {
		q := resource.MustParse(in.Backend.JobStorageSize)
		sizeLimit = &q
	}

	return corev1.Volume{
		Name: jobVolumeName,
		VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{
				SizeLimit: sizeLimit,
			},
		},
	}
}

// workerContainer implements rules 2 and 3.
func workerContainer(in Input) corev1.Container {
	c := corev1.Container{
		Name:  workerName,
		Image: in.WorkflowResource.WorkerImage,
	}

	if len(in.WorkflowResource.WorkerCommand) > 0 {
		c.Command = in.WorkflowResource.WorkerCommand
	}
	if len(in.WorkflowResource.WorkerArgs) > 0 {
		c.Args = in.WorkflowResource.WorkerArgs
	}

	for _, ref := range in.ConfigMapRefs {
		c.EnvFrom = append(c.EnvFrom, corev1.EnvFromSource{
			ConfigMapRef: &corev1.ConfigMapEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: ref},
			},
		})
	}

	if in.WorkflowResource.GPURequired {
		c.Resources.Limits = corev1.ResourceList{
			"nvidia.com/gpu": resource.MustParse("1"),
		}
	}

	if in.WorkflowResource.WorkerOutputDirectory != "" {
		c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
			Name:      jobVolumeName,
			MountPath: in.WorkflowResource.WorkerOutputDirectory,
		})
	}

	for _, r := range in.InputResources {
		switch r.Kind {
		case servicedesc.KindData:
			c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
				Name:      jobVolumeName,
				MountPath: r.MountPath + "/" + r.Name,
				SubPath:   r.Name,
			})
		case servicedesc.KindDataArchive:
			c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
				Name:      jobVolumeName,
				MountPath: r.MountPath,
			})
		case servicedesc.KindEnvironment:
			// environment inputs contribute nothing to worker mounts.
		}
	}

	return c
}

// sideCarContainer implements rule 4.
func sideCarContainer(in Input) corev1.Container {
	return corev1.Container{
		Name:            sideCarName,
		Image:           in.Backend.SideCarImage,
		ImagePullPolicy: corev1.PullAlways,
		VolumeMounts: []corev1.VolumeMount{
			{Name: jobVolumeName, MountPath: sideCarOutputDir},
		},
	}
}

// inputInitContainer implements rule 5.
func inputInitContainer(in Input) corev1.Container {
	return corev1.Container{
		Name:            inputInitName,
		Image:           in.Backend.SideCarImage,
		ImagePullPolicy: corev1.PullAlways,
		Command:         []string{"init"},
		Env: []corev1.EnvVar{
			{Name: "INPUT_INIT_CONFIG", Value: inputInitMount},
			{Name: "DATA_DESTINATION", Value: inputInitDataDir},
			{Name: "CONFIG_FILE_PATH", Value: apiConfigMount},
		},
		VolumeMounts: []corev1.VolumeMount{
			{
				Name:      "input-init-config",
				MountPath: inputInitMount,
				SubPath:   "input-init.json",
				ReadOnly:  true,
			},
			{
				Name:      "workflow-api-config",
				MountPath: apiConfigMount,
				SubPath:   "workflow-api.cfg",
				ReadOnly:  true,
			},
			{
				Name:      jobVolumeName,
				MountPath: inputInitDataDir,
			},
		},
	}
}
