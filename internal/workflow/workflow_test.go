package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	corev1 "k8s.io/api/core/v1"

	"github.com/coreplatform/workflow-orchestrator/internal/apierrors"
	"github.com/coreplatform/workflow-orchestrator/internal/cluster"
	"github.com/coreplatform/workflow-orchestrator/internal/manifest"
	"github.com/coreplatform/workflow-orchestrator/internal/monitor"
	"github.com/coreplatform/workflow-orchestrator/internal/registry"
	"github.com/coreplatform/workflow-orchestrator/internal/servicedesc"
)

// stillWatcher is a monitor.Watcher that returns immediately without
// ever invoking the observer, so a spawned monitor task exits quietly
// and never calls onFinished or touches the registry's phase.
type stillWatcher struct{}

func (stillWatcher) WatchPodEvents(ctx context.Context, podName, namespace string, observer cluster.Observer) error {
	return nil
}

type fakeCluster struct {
	mu sync.Mutex

	createdConfigMaps   []string
	createdPods         []*corev1.Pod
	createdPVCs         []string
	deletedConfigMaps   []string
	deletedPods         []string
	deletedPVCs         []string
	configMapExistsErr  error
	createPodErr        error
	createPVCErr        error
	portForwardErr      error
	portForwardStatus   int
	podLog              string
	podLogErr           error
}

func (f *fakeCluster) CreateConfigMap(ctx context.Context, name, namespace string, data, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configMapExistsErr != nil {
		return f.configMapExistsErr
	}
	f.createdConfigMaps = append(f.createdConfigMaps, name)
	return nil
}

func (f *fakeCluster) DeleteConfigMap(ctx context.Context, name, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedConfigMaps = append(f.deletedConfigMaps, name)
	return nil
}

func (f *fakeCluster) CreatePod(ctx context.Context, pod *corev1.Pod, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createPodErr != nil {
		return f.createPodErr
	}
	f.createdPods = append(f.createdPods, pod)
	return nil
}

func (f *fakeCluster) DeletePod(ctx context.Context, name, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPods = append(f.deletedPods, name)
	return nil
}

func (f *fakeCluster) CreatePersistentVolumeClaim(ctx context.Context, name, namespace, size string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createPVCErr != nil {
		return f.createPVCErr
	}
	f.createdPVCs = append(f.createdPVCs, name)
	return nil
}

func (f *fakeCluster) DeletePersistentVolumeClaim(ctx context.Context, name, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPVCs = append(f.deletedPVCs, name)
	return nil
}

func (f *fakeCluster) GetPodLog(ctx context.Context, podName, container, namespace string, tailLines *int64) (string, error) {
	return f.podLog, f.podLogErr
}

func (f *fakeCluster) PortForwardPost(ctx context.Context, podName, namespace string, port int, body []byte) (int, error) {
	if f.portForwardErr != nil {
		return 0, f.portForwardErr
	}
	return f.portForwardStatus, nil
}

func newEngine(cl Cluster, reg *registry.Registry, storageType string) *Engine {
	mon := monitor.New(stillWatcher{}, reg)
	return New(cl, reg, mon, Config{
		Namespace:      "ns",
		Backend:        manifest.BackendConfig{SideCarImage: "sidecar:latest"},
		JobStorageType: storageType,
	})
}

func TestHandleInputEnvironmentCreatesConfigMap(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	resource := servicedesc.Resource{Name: "env", Kind: servicedesc.KindEnvironment}
	err := e.HandleInput(t.Context(), "wf-1", resource, func(context.Context) ([]byte, error) {
		return []byte("FOO=bar\n"), nil
	})
	if err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	if len(cl.createdConfigMaps) != 1 {
		t.Fatalf("created config maps = %v, want 1", cl.createdConfigMaps)
	}

	state, _ := reg.Get("wf-1")
	if len(state.ConfigMapIDs) != 1 {
		t.Fatalf("ConfigMapIDs = %v, want 1 entry", state.ConfigMapIDs)
	}
}

func TestHandleInputEnvironmentInvalidPayloadIsValidationError(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	resource := servicedesc.Resource{Name: "env", Kind: servicedesc.KindEnvironment}
	err := e.HandleInput(t.Context(), "wf-1", resource, func(context.Context) ([]byte, error) {
		return []byte("not-a-valid-line"), nil
	})

	var verr *apierrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *apierrors.ValidationError", err)
	}
}

func TestHandleInputDataResourceAppendsRecord(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	resource := servicedesc.Resource{Name: "dataset", Kind: servicedesc.KindData, MountPath: "/data"}
	if err := e.HandleInput(t.Context(), "wf-1", resource, nil); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	state, _ := reg.Get("wf-1")
	if state.InputConfig == nil || len(state.InputConfig.Entries) != 1 {
		t.Fatalf("InputConfig = %+v, want one entry", state.InputConfig)
	}
	if state.InputConfig.Entries[0].Name != "dataset" {
		t.Fatalf("entry = %+v", state.InputConfig.Entries[0])
	}
}

func TestCommitWorkflowEmptyDirCreatesPodAndRecordsJobID(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	spec := servicedesc.WorkflowResourceSpec{WorkerImage: "worker:latest"}
	err := e.CommitWorkflow(t.Context(), "wf-1", spec, func() {})
	if err != nil {
		t.Fatalf("CommitWorkflow: %v", err)
	}

	if len(cl.createdPods) != 1 {
		t.Fatalf("created pods = %d, want 1", len(cl.createdPods))
	}
	state, _ := reg.Get("wf-1")
	if state.JobID == "" {
		t.Fatal("JobID not recorded")
	}
	if state.MonitorCancel == nil {
		t.Fatal("MonitorCancel not recorded")
	}
}

func TestCommitWorkflowPersistentVolumeClaimProvisionsStorage(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "persistent_volume_claim")

	spec := servicedesc.WorkflowResourceSpec{WorkerImage: "worker:latest"}
	if err := e.CommitWorkflow(t.Context(), "wf-1", spec, func() {}); err != nil {
		t.Fatalf("CommitWorkflow: %v", err)
	}

	if len(cl.createdPVCs) != 1 {
		t.Fatalf("created PVCs = %d, want 1", len(cl.createdPVCs))
	}
	state, _ := reg.Get("wf-1")
	if state.VolumeClaimID == "" {
		t.Fatal("VolumeClaimID not recorded")
	}
}

func TestCommitWorkflowUnrecognizedStorageTypeIsInvalid(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "bogus")

	spec := servicedesc.WorkflowResourceSpec{WorkerImage: "worker:latest"}
	err := e.CommitWorkflow(t.Context(), "wf-1", spec, func() {})
	if !apierrors.Is(err, apierrors.KindInvalid) {
		t.Fatalf("err = %v, want Invalid", err)
	}
	if len(cl.createdPods) != 0 {
		t.Fatal("pod must not be created when storage provisioning fails")
	}
}

func TestStoreResultUnknownWorkflowIsNotFound(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	err := e.StoreResult(t.Context(), "missing", StoreInfo{})
	if !apierrors.Is(err, apierrors.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestStoreResultSwallowsTransportError(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{portForwardErr: errors.New("dial timeout")}
	e := newEngine(cl, reg, "empty_dir")
	reg.SetJobID("wf-1", "job-1")

	if err := e.StoreResult(t.Context(), "wf-1", StoreInfo{}); err != nil {
		t.Fatalf("StoreResult must swallow transport errors, got %v", err)
	}
}

func TestStoreResultSwallowsSideCarRefusal(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{portForwardStatus: 500}
	e := newEngine(cl, reg, "empty_dir")
	reg.SetJobID("wf-1", "job-1")

	if err := e.StoreResult(t.Context(), "wf-1", StoreInfo{}); err != nil {
		t.Fatalf("StoreResult must swallow side-car refusal, got %v", err)
	}
}

func TestCleanupUnknownWorkflowIsNotFound(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	if _, _, err := e.GetStatus(t.Context(), "missing", 0); !apierrors.Is(err, apierrors.KindNotFound) {
		t.Fatalf("GetStatus err = %v, want NotFound", err)
	}
	if err := e.Cleanup(t.Context(), "missing"); !apierrors.Is(err, apierrors.KindNotFound) {
		t.Fatalf("Cleanup err = %v, want NotFound", err)
	}
}

func TestCleanupDeletesAccumulatedResourcesAndSetsFinished(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	reg.AppendConfigMap("wf-1", "cm-1")
	reg.SetVolumeClaim("wf-1", "pvc-1")
	reg.SetJobID("wf-1", "job-1")

	if err := e.Cleanup(t.Context(), "wf-1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if len(cl.deletedConfigMaps) != 1 || cl.deletedConfigMaps[0] != "cm-1" {
		t.Fatalf("deletedConfigMaps = %v", cl.deletedConfigMaps)
	}
	if len(cl.deletedPVCs) != 1 || cl.deletedPVCs[0] != "pvc-1" {
		t.Fatalf("deletedPVCs = %v", cl.deletedPVCs)
	}
	if len(cl.deletedPods) != 1 || cl.deletedPods[0] != "job-1" {
		t.Fatalf("deletedPods = %v", cl.deletedPods)
	}

	state, _ := reg.Get("wf-1")
	if state.Phase != registry.PhaseFinished {
		t.Fatalf("Phase = %v, want FINISHED", state.Phase)
	}
}

func TestStopWorkflowCallsMonitorCancelThenCleanup(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{}
	e := newEngine(cl, reg, "empty_dir")

	reg.SetJobID("wf-1", "job-1")
	called := false
	reg.SetMonitorCancel("wf-1", func() { called = true })

	if err := e.StopWorkflow(t.Context(), "wf-1"); err != nil {
		t.Fatalf("StopWorkflow: %v", err)
	}
	if !called {
		t.Fatal("MonitorCancel was not invoked")
	}

	state, _ := reg.Get("wf-1")
	if state.Phase != registry.PhaseFinished {
		t.Fatalf("Phase = %v, want FINISHED", state.Phase)
	}
}

func TestGetStatusVerboseLevelsFetchLog(t *testing.T) {
	reg := registry.New()
	cl := &fakeCluster{podLog: "log output"}
	e := newEngine(cl, reg, "empty_dir")
	reg.SetJobID("wf-1", "job-1")
	reg.SetPhase("wf-1", registry.PhaseRunning)

	status, logText, err := e.GetStatus(t.Context(), "wf-1", 0)
	if err != nil {
		t.Fatalf("GetStatus(0): %v", err)
	}
	if logText != "" {
		t.Fatalf("verbose_level=0 should not fetch log, got %q", logText)
	}
	if status.Phase != registry.PhaseRunning {
		t.Fatalf("Phase = %v", status.Phase)
	}

	_, logText, err = e.GetStatus(t.Context(), "wf-1", 2)
	if err != nil {
		t.Fatalf("GetStatus(2): %v", err)
	}
	if logText != "log output" {
		t.Fatalf("logText = %q, want full log", logText)
	}
}
