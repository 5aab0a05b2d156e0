package monitor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/coreplatform/workflow-orchestrator/internal/cluster"
	"github.com/coreplatform/workflow-orchestrator/internal/registry"
)

// stubWatcher replays a fixed sequence of snapshots to whatever
// observer WatchPodEvents is given, one per call, honoring the
// observer's stop signal the same way the real cluster adapter's
// event stream does.
type stubWatcher struct {
	snapshots []cluster.PodStateSnapshot
}

func (s *stubWatcher) WatchPodEvents(ctx context.Context, podName, namespace string, observer cluster.Observer) error {
	for _, snap := range s.snapshots {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if observer(snap) {
			return nil
		}
	}
	return nil
}

func runningSnapshot() cluster.PodStateSnapshot {
	return cluster.PodStateSnapshot{
		PodPhase:   "Running",
		Containers: map[string]cluster.ContainerState{"worker": {State: "running"}},
	}
}

func terminatedSnapshot() cluster.PodStateSnapshot {
	return cluster.PodStateSnapshot{
		PodPhase:   "Succeeded",
		Containers: map[string]cluster.ContainerState{"worker": {State: "terminated", ExitCode: 0}},
	}
}

func TestRunDrivesPhaseToStoringAndCallsOnFinished(t *testing.T) {
	watcher := &stubWatcher{snapshots: []cluster.PodStateSnapshot{
		{}, // no container statuses yet -> PREPARING
		runningSnapshot(),
		terminatedSnapshot(),
	}}
	reg := registry.New()
	s := New(watcher, reg)

	var cancelled atomic.Bool
	finished := false
	s.Run(context.Background(), "wf-1", "job-1", "ns", &cancelled, func() { finished = true })

	state, _ := reg.Get("wf-1")
	if state.Phase != registry.PhaseStoring {
		t.Fatalf("Phase = %v, want STORING", state.Phase)
	}
	if !finished {
		t.Fatal("onFinished was not called on natural termination")
	}
}

func TestRunDoesNotCallOnFinishedWhenCancelled(t *testing.T) {
	watcher := &stubWatcher{snapshots: []cluster.PodStateSnapshot{
		runningSnapshot(),
	}}
	reg := registry.New()
	s := New(watcher, reg)

	var cancelled atomic.Bool
	cancelled.Store(true)

	finished := false
	s.Run(context.Background(), "wf-1", "job-1", "ns", &cancelled, func() { finished = true })

	state, _ := reg.Get("wf-1")
	if state.Phase != registry.PhaseCanceled {
		t.Fatalf("Phase = %v, want CANCELED", state.Phase)
	}
	if finished {
		t.Fatal("onFinished must not be called on cancellation")
	}
}

func TestRunWaitingWorkerStaysPreparing(t *testing.T) {
	watcher := &stubWatcher{snapshots: []cluster.PodStateSnapshot{
		{Containers: map[string]cluster.ContainerState{"worker": {State: "waiting"}}},
	}}
	reg := registry.New()
	s := New(watcher, reg)

	var cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), "wf-1", "job-1", "ns", &cancelled, func() {})
		close(done)
	}()
	<-done

	state, _ := reg.Get("wf-1")
	if state.Phase != registry.PhasePreparing {
		t.Fatalf("Phase = %v, want PREPARING", state.Phase)
	}
	if state.WorkerState == nil || state.WorkerState.Containers["worker"].State != "waiting" {
		t.Fatalf("WorkerState = %+v", state.WorkerState)
	}
}
