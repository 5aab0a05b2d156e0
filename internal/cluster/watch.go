package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/coreplatform/workflow-orchestrator/internal/apierrors"
)

// ContainerState is the observed runtime state of one container.
type ContainerState struct {
	State    string // "running" | "waiting" | "terminated"
	Reason   string
	Message  string
	ExitCode int32
}

// PodStateSnapshot is produced for every pod watch event and handed to
// the observer.
type PodStateSnapshot struct {
	EventType  watch.EventType
	PodPhase   corev1.PodPhase
	Conditions []string
	Containers map[string]ContainerState
}

// Observer inspects a snapshot and reports whether the stream should
// end. It is invoked for every event until it returns true or the
// stream ends on its own.
type Observer func(PodStateSnapshot) bool

// WatchPodEvents opens an event stream filtered to one pod by name and
// invokes observer for each resulting snapshot. The stream terminates
// when observer returns true, the stream ends, or ctx is cancelled.
func (a *Adapter) WatchPodEvents(ctx context.Context, podName, namespace string, observer Observer) error {
	watcher, err := a.client.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return apierrors.Classify("watch_pod_events", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return nil
			}

			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}

			if observer(snapshotFromPod(event.Type, pod)) {
				return nil
			}
		}
	}
}

func snapshotFromPod(eventType watch.EventType, pod *corev1.Pod) PodStateSnapshot {
	snap := PodStateSnapshot{
		EventType:  eventType,
		PodPhase:   pod.Status.Phase,
		Containers: make(map[string]ContainerState, len(pod.Status.ContainerStatuses)),
	}

	for _, cond := range pod.Status.Conditions {
		snap.Conditions = append(snap.Conditions, string(cond.Type)+"="+string(cond.Status))
	}

	for _, cs := range pod.Status.ContainerStatuses {
		snap.Containers[cs.Name] = containerStateFrom(cs)
	}

	return snap
}

func containerStateFrom(cs corev1.ContainerStatus) ContainerState {
	switch {
	case cs.State.Running != nil:
		return ContainerState{State: "running"}
	case cs.State.Terminated != nil:
		t := cs.State.Terminated
		return ContainerState{
			State:    "terminated",
			Reason:   t.Reason,
			Message:  t.Message,
			ExitCode: t.ExitCode,
		}
	case cs.State.Waiting != nil:
		w := cs.State.Waiting
		return ContainerState{State: "waiting", Reason: w.Reason, Message: w.Message}
	default:
		return ContainerState{State: "waiting"}
	}
}
