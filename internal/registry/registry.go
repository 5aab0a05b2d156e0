// Package registry implements the process-local Workflow Registry: a
// mapping from workflow id to its aggregate state. The Lifecycle
// Engine owns every field except phase/worker_state, which the Pod
// Monitor owns; each entry is guarded by its own mutex so the two
// writers never block unrelated workflows.
package registry

import (
	"sync"

	"github.com/coreplatform/workflow-orchestrator/internal/o11y/metrics"
	"github.com/coreplatform/workflow-orchestrator/internal/servicedesc"
)

// Phase is one of the workflow lifecycle states.
type Phase string

const (
	PhasePreparing Phase = "PREPARING"
	PhaseRunning   Phase = "RUNNING"
	PhaseStoring   Phase = "STORING"
	PhaseFinished  Phase = "FINISHED"
	PhaseCanceled  Phase = "CANCELED"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseCanceled
}

// ContainerRuntimeState is the observed state of one container.
type ContainerRuntimeState struct {
	State    string `json:"state"` // "running" | "waiting" | "terminated"
	Details  string `json:"details,omitempty"`
	ExitCode int32  `json:"exit_code,omitempty"`
}

// WorkerState is the latest observed pod/container snapshot.
type WorkerState struct {
	EventType  string                           `json:"event_type"`
	PodPhase   string                           `json:"pod_phase"`
	Conditions []string                         `json:"conditions,omitempty"`
	Containers map[string]ContainerRuntimeState `json:"containers"`
}

// InputConfig is the lazily-created config-map projection of
// non-environment workflow inputs.
type InputConfig struct {
	ID      string
	Entries []WorkflowInputRecord
}

// WorkflowInputRecord mirrors manifest.InputRecord without importing
// the manifest package, keeping the registry dependency-free of pod
// synthesis concerns.
type WorkflowInputRecord struct {
	Name            string
	Kind            servicedesc.ResourceKind
	MountPath       string
	SourceReference string
}

// State is one workflow's full aggregate state.
type State struct {
	WorkflowID    string
	ConfigMapIDs  []string
	InputConfig   *InputConfig
	VolumeClaimID string
	JobID         string
	MonitorCancel func()
	Phase         Phase
	WorkerState   *WorkerState
}

// Snapshot is an immutable copy of a workflow's state, safe to read
// without holding the registry's lock.
type Snapshot = State

type entry struct {
	mu    sync.Mutex
	state State
}

// Registry is the concurrency-safe, in-memory workflow state store.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) entryFor(workflowID string) *entry {
	r.mu.RLock()
	e, ok := r.entries[workflowID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[workflowID]; ok {
		return e
	}
	e = &entry{state: State{WorkflowID: workflowID, Phase: PhasePreparing}}
	r.entries[workflowID] = e
	return e
}

// Get returns a snapshot of the workflow's state, or false if absent.
func (r *Registry) Get(workflowID string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.entries[workflowID]
	r.mu.RUnlock()
	if !ok {
		return State{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return copyState(e.state), true
}

// Delete removes the workflow's entry entirely. Not invoked by
// cleanup, since a finished workflow's entry stays queryable; exposed
// for an explicit "forget" operation.
func (r *Registry) Delete(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, workflowID)
}

// AppendConfigMap records a created config map id for the workflow.
func (r *Registry) AppendConfigMap(workflowID, configMapID string) {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ConfigMapIDs = append(e.state.ConfigMapIDs, configMapID)
}

// AppendInputResource appends a non-environment input record,
// creating input_config with the given id if it doesn't exist yet.
func (r *Registry) AppendInputResource(workflowID, freshInputConfigID string, rec WorkflowInputRecord) {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.InputConfig == nil {
		e.state.InputConfig = &InputConfig{ID: freshInputConfigID}
	}
	e.state.InputConfig.Entries = append(e.state.InputConfig.Entries, rec)
}

// SetVolumeClaim records the workflow's persistent-volume claim id.
func (r *Registry) SetVolumeClaim(workflowID, claimID string) {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.VolumeClaimID = claimID
}

// SetJobID records the workflow's pod/job id.
func (r *Registry) SetJobID(workflowID, jobID string) {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.JobID = jobID
}

// SetMonitorCancel records the cancellation handle for the workflow's
// monitor task.
func (r *Registry) SetMonitorCancel(workflowID string, cancel func()) {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.MonitorCancel = cancel
}

// SetPhase records the workflow's current lifecycle phase. Owned by
// the Pod Monitor at runtime, but also used by the Lifecycle Engine
// for the FINISHED transition.
func (r *Registry) SetPhase(workflowID string, phase Phase) {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	prev := e.state.Phase
	e.state.Phase = phase
	e.mu.Unlock()
	metrics.SetWorkflowPhase(string(prev), string(phase))
}

// SetWorkerState records the latest observed pod/container snapshot.
func (r *Registry) SetWorkerState(workflowID string, ws *WorkerState) {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.WorkerState = ws
}

// CancelRequested returns the monitor cancellation handle for the
// workflow, or nil if none has been recorded.
func (r *Registry) CancelRequested(workflowID string) func() {
	e := r.entryFor(workflowID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.MonitorCancel
}

// WorkflowIDs lists every known workflow id (used by the "list
// workflows submitted by caller" HTTP route, filtered by the facade).
func (r *Registry) WorkflowIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func copyState(s State) State {
	out := s
	out.ConfigMapIDs = append([]string(nil), s.ConfigMapIDs...)
	if s.InputConfig != nil {
		ic := *s.InputConfig
		ic.Entries = append([]WorkflowInputRecord(nil), s.InputConfig.Entries...)
		out.InputConfig = &ic
	}
	if s.WorkerState != nil {
		ws := *s.WorkerState
		ws.Conditions = append([]string(nil), s.WorkerState.Conditions...)
		containers := make(map[string]ContainerRuntimeState, len(s.WorkerState.Containers))
		for k, v := range s.WorkerState.Containers {
			containers[k] = v
		}
		ws.Containers = containers
		out.WorkerState = &ws
	}
	return out
}
