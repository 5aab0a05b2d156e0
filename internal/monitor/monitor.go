// Package monitor implements the Pod Monitor: one supervisor task per
// workflow that watches its pod's event stream and
// drives the workflow's phase in the registry. It is the only writer
// of phase/worker_state at runtime besides the FINISHED transition the
// Lifecycle Engine itself makes in cleanup.
package monitor

import (
	"context"
	"sync/atomic"

	"github.com/coreplatform/workflow-orchestrator/internal/cluster"
	"github.com/coreplatform/workflow-orchestrator/internal/log"
	"github.com/coreplatform/workflow-orchestrator/internal/manifest"
	"github.com/coreplatform/workflow-orchestrator/internal/registry"
)

// Watcher is the narrow dependency the monitor needs from the Cluster
// Adapter, letting tests substitute a stub instead of a fake clientset.
type Watcher interface {
	WatchPodEvents(ctx context.Context, podName, namespace string, observer cluster.Observer) error
}

// Supervisor runs one workflow's Pod Monitor task.
type Supervisor struct {
	watcher  Watcher
	registry *registry.Registry
}

// New constructs a Supervisor bound to the given cluster watcher and
// workflow registry.
func New(watcher Watcher, reg *registry.Registry) *Supervisor {
	return &Supervisor{watcher: watcher, registry: reg}
}

// Run watches the given pod until the worker container reaches a
// terminal observation or cancellation is signaled, updating
// workflowID's phase/worker_state as it goes. onFinished is invoked
// exactly once, only on natural termination (not on cancellation),
// strictly after a terminal worker-container observation.
//
// Run blocks; callers spawn it as a detached task and record a cancel
// function via registry.SetMonitorCancel so stop_workflow can signal
// the cancelled flag this closure consults.
func (s *Supervisor) Run(ctx context.Context, workflowID, podName, namespace string, cancelled *atomic.Bool, onFinished func()) {
	ctx = log.WithValues(ctx, "workflow_id", workflowID, "job_id", podName)

	naturalTermination := false

	observer := func(snap cluster.PodStateSnapshot) bool {
		if cancelled.Load() {
			s.registry.SetPhase(workflowID, registry.PhaseCanceled)
			return true
		}

		ws := workerStateFrom(snap)
		s.registry.SetWorkerState(workflowID, ws)

		switch {
		case len(snap.Containers) == 0:
			s.registry.SetPhase(workflowID, registry.PhasePreparing)
			return false
		case workerRunning(snap):
			s.registry.SetPhase(workflowID, registry.PhaseRunning)
			return false
		case workerTerminated(snap):
			s.registry.SetPhase(workflowID, registry.PhaseStoring)
			naturalTermination = true
			return true
		default:
			s.registry.SetPhase(workflowID, registry.PhasePreparing)
			return false
		}
	}

	if err := s.watcher.WatchPodEvents(ctx, podName, namespace, observer); err != nil && ctx.Err() == nil {
		log.Warn(ctx, "pod event stream ended with error", "error", err)
	}

	// ctx may have been cancelled (by stop_workflow, to shorten the wait
	// for the next event) before the observer ever saw it; the phase
	// transition still has to happen.
	if cancelled.Load() {
		s.registry.SetPhase(workflowID, registry.PhaseCanceled)
		return
	}

	if naturalTermination {
		onFinished()
	}
}

func workerRunning(snap cluster.PodStateSnapshot) bool {
	cs, ok := snap.Containers[manifest.WorkerContainerName]
	return ok && cs.State == "running"
}

func workerTerminated(snap cluster.PodStateSnapshot) bool {
	cs, ok := snap.Containers[manifest.WorkerContainerName]
	return ok && cs.State == "terminated"
}

func workerStateFrom(snap cluster.PodStateSnapshot) *registry.WorkerState {
	containers := make(map[string]registry.ContainerRuntimeState, len(snap.Containers))
	for name, cs := range snap.Containers {
		details := cs.Reason
		if cs.Message != "" {
			if details != "" {
				details += ": "
			}
			details += cs.Message
		}
		containers[name] = registry.ContainerRuntimeState{
			State:    cs.State,
			Details:  details,
			ExitCode: cs.ExitCode,
		}
	}

	return &registry.WorkerState{
		EventType:  string(snap.EventType),
		PodPhase:   string(snap.PodPhase),
		Conditions: append([]string(nil), snap.Conditions...),
		Containers: containers,
	}
}
