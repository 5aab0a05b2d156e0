package cluster

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
)

func TestWatchPodEventsStopsWhenObserverReturnsTrue(t *testing.T) {
	client := fake.NewSimpleClientset()
	a := NewForTesting(client, Config{})

	podWatcher := watch.NewFakeWithChanSize(10, false)
	client.PrependWatchReactor("pods", func(action ktesting.Action) (bool, watch.Interface, error) {
		return true, podWatcher, nil
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		podWatcher.Action(watch.Modified, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "job-1", Namespace: "ns"},
			Status: corev1.PodStatus{
				Phase: corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{
					{Name: "worker", State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
				},
			},
		})
	}()

	var snapshots []PodStateSnapshot
	err := a.WatchPodEvents(t.Context(), "job-1", "ns", func(snap PodStateSnapshot) bool {
		snapshots = append(snapshots, snap)
		return true
	})
	if err != nil {
		t.Fatalf("WatchPodEvents: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snapshots))
	}
	if snapshots[0].Containers["worker"].State != "running" {
		t.Fatalf("worker state = %+v", snapshots[0].Containers["worker"])
	}
}

func TestWatchPodEventsSurfacesTerminatedExitCode(t *testing.T) {
	client := fake.NewSimpleClientset()
	a := NewForTesting(client, Config{})

	podWatcher := watch.NewFakeWithChanSize(10, false)
	client.PrependWatchReactor("pods", func(action ktesting.Action) (bool, watch.Interface, error) {
		return true, podWatcher, nil
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		podWatcher.Action(watch.Modified, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "job-1", Namespace: "ns"},
			Status: corev1.PodStatus{
				Phase: corev1.PodSucceeded,
				ContainerStatuses: []corev1.ContainerStatus{
					{
						Name: "worker",
						State: corev1.ContainerState{
							Terminated: &corev1.ContainerStateTerminated{ExitCode: 0, Reason: "Completed"},
						},
					},
				},
			},
		})
	}()

	var got PodStateSnapshot
	err := a.WatchPodEvents(t.Context(), "job-1", "ns", func(snap PodStateSnapshot) bool {
		got = snap
		return true
	})
	if err != nil {
		t.Fatalf("WatchPodEvents: %v", err)
	}
	if got.Containers["worker"].State != "terminated" {
		t.Fatalf("state = %+v", got.Containers["worker"])
	}
	if got.Containers["worker"].Reason != "Completed" {
		t.Fatalf("reason = %+v", got.Containers["worker"])
	}
}

func TestWatchPodEventsCancelledByContext(t *testing.T) {
	client := fake.NewSimpleClientset()
	a := NewForTesting(client, Config{})

	podWatcher := watch.NewFakeWithChanSize(10, false)
	client.PrependWatchReactor("pods", func(action ktesting.Action) (bool, watch.Interface, error) {
		return true, podWatcher, nil
	})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := a.WatchPodEvents(ctx, "job-1", "ns", func(snap PodStateSnapshot) bool {
		t.Fatal("observer should not be invoked on an already-cancelled context")
		return true
	})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}
