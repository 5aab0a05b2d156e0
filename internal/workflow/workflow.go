// Package workflow implements the Lifecycle Engine: the component that
// turns declared inputs into a running pod, tracks its
// progress through the registry, and tears it down once its result has
// been stored. It is the only component that writes fields of
// registry.State other than phase/worker_state, which the Pod Monitor
// owns at runtime.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	corev1 "k8s.io/api/core/v1"

	"github.com/coreplatform/workflow-orchestrator/internal/apierrors"
	"github.com/coreplatform/workflow-orchestrator/internal/cluster"
	"github.com/coreplatform/workflow-orchestrator/internal/envfile"
	"github.com/coreplatform/workflow-orchestrator/internal/log"
	"github.com/coreplatform/workflow-orchestrator/internal/manifest"
	"github.com/coreplatform/workflow-orchestrator/internal/monitor"
	"github.com/coreplatform/workflow-orchestrator/internal/o11y"
	"github.com/coreplatform/workflow-orchestrator/internal/registry"
	"github.com/coreplatform/workflow-orchestrator/internal/servicedesc"
)

const storeResultPort = 9999

// Cluster is the narrow subset of the Cluster Adapter the engine needs,
// letting tests substitute a stub.
type Cluster interface {
	CreateConfigMap(ctx context.Context, name, namespace string, data map[string]string, labels map[string]string) error
	DeleteConfigMap(ctx context.Context, name, namespace string) error
	CreatePod(ctx context.Context, pod *corev1.Pod, namespace string) error
	DeletePod(ctx context.Context, name, namespace string) error
	CreatePersistentVolumeClaim(ctx context.Context, name, namespace, size string, labels map[string]string) error
	DeletePersistentVolumeClaim(ctx context.Context, name, namespace string) error
	GetPodLog(ctx context.Context, podName, container, namespace string, tailLines *int64) (string, error)
	PortForwardPost(ctx context.Context, podName, namespace string, port int, body []byte) (int, error)
}

// Engine is the Lifecycle Engine, bound to one cluster namespace and
// backend configuration for its whole lifetime. The backend setup is a
// one-time process step; Engine consumes its result.
type Engine struct {
	cluster        Cluster
	registry       *registry.Registry
	monitor        *monitor.Supervisor
	namespace      string
	backend        manifest.BackendConfig
	jobStorageType string
	instantRemoval bool
}

// Config is the subset of the [workflow_api] configuration section the
// engine needs directly.
type Config struct {
	Namespace      string
	Backend        manifest.BackendConfig
	JobStorageType string
	InstantRemoval bool
}

// New constructs a Lifecycle Engine bound to the given collaborators.
func New(cl Cluster, reg *registry.Registry, mon *monitor.Supervisor, cfg Config) *Engine {
	return &Engine{
		cluster:        cl,
		registry:       reg,
		monitor:        mon,
		namespace:      cfg.Namespace,
		backend:        cfg.Backend,
		jobStorageType: cfg.JobStorageType,
		instantRemoval: cfg.InstantRemoval,
	}
}

// HandleInput records one declared input for workflowID, parsing
// environment-kind inputs into key/value pairs and routing every other
// kind into the registry's input_config for later config-map
// projection.
func (e *Engine) HandleInput(ctx context.Context, workflowID string, resource servicedesc.Resource, getData func(context.Context) ([]byte, error)) error {
	if resource.Kind == servicedesc.KindEnvironment {
		payload, err := getData(ctx)
		if err != nil {
			return fmt.Errorf("handle_input: fetching %s: %w", resource.Name, err)
		}

		parsed, err := envfile.Parse(payload)
		if err != nil {
			return &apierrors.ValidationError{Message: fmt.Sprintf("handle_input: %s: %v", resource.Name, err)}
		}

		cmID := uuid.NewString()
		labels := map[string]string{"app": "workflow-worker", "workflow-id": workflowID}
		if err := e.cluster.CreateConfigMap(ctx, cmID, e.namespace, parsed, labels); err != nil {
			if !apierrors.Is(err, apierrors.KindAlreadyExists) {
				return err
			}
		}
		e.registry.AppendConfigMap(workflowID, cmID)
		return nil
	}

	e.registry.AppendInputResource(workflowID, uuid.NewString(), registry.WorkflowInputRecord{
		Name:            resource.Name,
		Kind:            resource.Kind,
		MountPath:       resource.MountPath,
		SourceReference: resource.SourceReference,
	})
	return nil
}

// CommitWorkflow provisions storage, synthesizes the pod manifest, and
// creates the worker pod for workflowID. Steps 3-6 occur strictly in
// order; step 8 occurs after step 7. Any failure aborts further steps;
// cleanup is not auto-invoked.
func (e *Engine) CommitWorkflow(ctx context.Context, workflowID string, spec servicedesc.WorkflowResourceSpec, onFinished func()) error {
	ctx, span := o11y.StartSpan(ctx, "commit_workflow")
	defer span.End()
	span.SetAttributes(attribute.String(o11y.AttrWorkflowID, workflowID))

	// 1. Mint job_id.
	jobID := uuid.NewString()

	// 2. Build the label set.
	labels := map[string]string{"app": "workflow-worker", "workflow-id": workflowID, "job-id": jobID}

	state, _ := e.registry.Get(workflowID)

	// 3. Serialize input_config (if present) and create its config map.
	var inputConfigRef string
	if state.InputConfig != nil {
		records := make([]registry.WorkflowInputRecord, len(state.InputConfig.Entries))
		copy(records, state.InputConfig.Entries)

		payload, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("commit_workflow: serializing input_config: %w", err)
		}
		if err := e.cluster.CreateConfigMap(ctx, state.InputConfig.ID, e.namespace,
			map[string]string{"input-init.json": string(payload)}, labels); err != nil {
			if !apierrors.Is(err, apierrors.KindAlreadyExists) {
				return fmt.Errorf("commit_workflow: creating input_config map: %w", err)
			}
		}
		inputConfigRef = state.InputConfig.ID
	}

	// 4. Provision storage.
	var pvcID string
	switch e.jobStorageType {
	case "persistent_volume_claim":
		pvcID = uuid.NewString()
		if err := e.cluster.CreatePersistentVolumeClaim(ctx, pvcID, e.namespace, e.backend.JobStorageSize, labels); err != nil {
			return fmt.Errorf("commit_workflow: creating persistent volume claim: %w", err)
		}
		e.registry.SetVolumeClaim(workflowID, pvcID)
	case "empty_dir":
		// no provisioning step.
	default:
		return &apierrors.Error{Kind: apierrors.KindInvalid, Op: "commit_workflow",
			Err: fmt.Errorf("unrecognized job_storage_type %q", e.jobStorageType)}
	}

	// 5. Synthesize the pod manifest.
	pod := manifest.BuildPod(manifest.Input{
		JobID:                   jobID,
		WorkflowResource:        spec,
		ConfigMapRefs:           state.ConfigMapIDs,
		InputConfigRef:          inputConfigRef,
		InputResources:          toManifestRecords(state.InputConfig),
		Namespace:               e.namespace,
		PersistentVolumeClaimID: pvcID,
		Labels:                  labels,
		Backend:                 e.backend,
	})

	// 6. Create the pod.
	if err := e.cluster.CreatePod(ctx, pod, e.namespace); err != nil {
		return fmt.Errorf("commit_workflow: creating pod: %w", err)
	}

	// 7. Record job_id.
	e.registry.SetJobID(workflowID, jobID)

	// 8. Spawn the Pod Monitor, carrying on_finished.
	e.spawnMonitor(workflowID, jobID, onFinished)

	return nil
}

func (e *Engine) spawnMonitor(workflowID, jobID string, onFinished func()) {
	monitorCtx, cancel := context.WithCancel(context.Background())
	var cancelled atomic.Bool
	var finishing atomic.Bool
	done := make(chan struct{})

	e.registry.SetMonitorCancel(workflowID, func() {
		cancelled.Store(true)
		cancel()
		// onFinished runs on the monitor task itself and reaches Cleanup,
		// which calls this handle; waiting for done there would block forever.
		if !finishing.Load() {
			<-done
		}
	})

	go func() {
		defer close(done)
		e.monitor.Run(monitorCtx, workflowID, jobID, e.namespace, &cancelled, func() {
			finishing.Store(true)
			onFinished()
		})
	}()
}

// StoreResult instructs the workflow's side-car, over a port-forward
// tunnel, where to upload its declared output files. A failure to
// reach the side-car or a refusal from it is logged but not treated
// as fatal, so the workflow can still proceed to FINISHED.
func (e *Engine) StoreResult(ctx context.Context, workflowID string, info StoreInfo) error {
	ctx, span := o11y.StartSpan(ctx, "store_result")
	defer span.End()
	span.SetAttributes(attribute.String(o11y.AttrWorkflowID, workflowID))

	state, ok := e.registry.Get(workflowID)
	if !ok {
		return apierrors.NotFound("store_result", fmt.Sprintf("unknown workflow %q", workflowID))
	}

	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("store_result: serializing store info: %w", err)
	}

	status, err := e.cluster.PortForwardPost(ctx, state.JobID, e.namespace, storeResultPort, body)
	if err != nil {
		log.Warn(ctx, "store_result: port-forward failed, treating workflow as finished",
			"workflow_id", workflowID, "error", err)
		return nil
	}
	if status >= 400 {
		log.Warn(ctx, "store_result: side-car refused",
			"workflow_id", workflowID, "status", status)
	}
	return nil
}

// Cleanup idempotently tears down every resource the workflow
// accumulated. The registry entry itself is not removed; its terminal
// state remains queryable.
func (e *Engine) Cleanup(ctx context.Context, workflowID string) error {
	ctx, span := o11y.StartSpan(ctx, "cleanup")
	defer span.End()
	span.SetAttributes(attribute.String(o11y.AttrWorkflowID, workflowID))

	state, ok := e.registry.Get(workflowID)
	if !ok {
		return apierrors.NotFound("cleanup", fmt.Sprintf("unknown workflow %q", workflowID))
	}

	for _, cmID := range state.ConfigMapIDs {
		if err := e.cluster.DeleteConfigMap(ctx, cmID, e.namespace); err != nil {
			return fmt.Errorf("cleanup: deleting config map %s: %w", cmID, err)
		}
	}

	if state.InputConfig != nil {
		if err := e.cluster.DeleteConfigMap(ctx, state.InputConfig.ID, e.namespace); err != nil {
			return fmt.Errorf("cleanup: deleting input_config map %s: %w", state.InputConfig.ID, err)
		}
	}

	if state.VolumeClaimID != "" {
		if err := e.cluster.DeletePersistentVolumeClaim(ctx, state.VolumeClaimID, e.namespace); err != nil {
			return fmt.Errorf("cleanup: deleting persistent volume claim %s: %w", state.VolumeClaimID, err)
		}
	}

	if state.JobID != "" {
		if err := e.cluster.DeletePod(ctx, state.JobID, e.namespace); err != nil {
			return fmt.Errorf("cleanup: deleting pod %s: %w", state.JobID, err)
		}
	}

	if state.MonitorCancel != nil {
		state.MonitorCancel()
	}

	e.registry.SetPhase(workflowID, registry.PhaseFinished)
	return nil
}

// StopWorkflow blocks until the monitor has acknowledged cancellation,
// then cleans up.
func (e *Engine) StopWorkflow(ctx context.Context, workflowID string) error {
	ctx, span := o11y.StartSpan(ctx, "stop_workflow")
	defer span.End()
	span.SetAttributes(attribute.String(o11y.AttrWorkflowID, workflowID))

	state, ok := e.registry.Get(workflowID)
	if !ok {
		return apierrors.NotFound("stop_workflow", fmt.Sprintf("unknown workflow %q", workflowID))
	}

	if state.Phase.Terminal() {
		return e.Cleanup(ctx, workflowID)
	}

	if state.MonitorCancel != nil {
		state.MonitorCancel()
	}

	return e.Cleanup(ctx, workflowID)
}

// Status is the verbose_level=0 response shape for get_status.
type Status struct {
	Phase       registry.Phase        `json:"phase"`
	WorkerState *registry.WorkerState `json:"worker_state,omitempty"`
}

// GetStatus returns the workflow's current phase/worker_state, plus
// its worker log (tailed at verboseLevel 1, full at verboseLevel 2+)
// when verboseLevel is non-zero.
func (e *Engine) GetStatus(ctx context.Context, workflowID string, verboseLevel int) (Status, string, error) {
	ctx, span := o11y.StartSpan(ctx, "get_status")
	defer span.End()
	span.SetAttributes(attribute.String(o11y.AttrWorkflowID, workflowID))

	state, ok := e.registry.Get(workflowID)
	if !ok {
		return Status{}, "", apierrors.NotFound("get_status", fmt.Sprintf("unknown workflow %q", workflowID))
	}

	if verboseLevel == 0 {
		return Status{Phase: state.Phase, WorkerState: state.WorkerState}, "", nil
	}

	var tail *int64
	if verboseLevel == 1 {
		n := int64(100)
		tail = &n
	}

	logText, err := e.cluster.GetPodLog(ctx, state.JobID, manifest.WorkerContainerName, e.namespace, tail)
	if err != nil {
		return Status{}, "", fmt.Errorf("get_status: fetching log: %w", err)
	}
	return Status{Phase: state.Phase, WorkerState: state.WorkerState}, logText, nil
}

func toManifestRecords(ic *registry.InputConfig) []manifest.InputRecord {
	if ic == nil {
		return nil
	}
	out := make([]manifest.InputRecord, len(ic.Entries))
	for i, e := range ic.Entries {
		out[i] = manifest.InputRecord{
			Name:            e.Name,
			Kind:            e.Kind,
			MountPath:       e.MountPath,
			SourceReference: e.SourceReference,
		}
	}
	return out
}
