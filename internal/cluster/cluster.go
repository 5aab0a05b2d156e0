// Package cluster implements the Cluster Adapter: typed operations
// against the Kubernetes control plane used to run
// and supervise workflow pods. It is the only package that imports
// k8s.io/client-go directly; every other component depends on its
// narrow Adapter interface.
package cluster

import (
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config is the one-time process configuration for the adapter. It is
// constructed once at startup and never mutated afterwards.
type Config struct {
	KubeconfigPath  string
	InCluster       bool
	ImagePullSecret string
	SideCarImage    string
	JobStorageType  string // "empty_dir" | "persistent_volume_claim"
	JobStorageSize  string
}

// Adapter is the constructed, ready-to-use Cluster Adapter. All of its
// methods are safe for concurrent use; it holds no mutable state
// beyond the immutable Config and client handles set up once in Setup.
type Adapter struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	cfg        Config
}

// Setup performs one-time process initialization: it loads cluster
// credentials (from kubeconfig, or the in-cluster service account) and
// builds the typed client used by every other operation. It must be
// called exactly once, before any other Adapter method.
func Setup(cfg Config) (*Adapter, error) {
	restConfig, err := loadRestConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: loading credentials: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("cluster: building client: %w", err)
	}

	if cfg.JobStorageType != "empty_dir" && cfg.JobStorageType != "persistent_volume_claim" {
		return nil, fmt.Errorf("cluster: invalid job_storage_type %q", cfg.JobStorageType)
	}

	return &Adapter{client: client, restConfig: restConfig, cfg: cfg}, nil
}

// NewForTesting builds an Adapter around an already-constructed client
// (typically k8s.io/client-go/kubernetes/fake), bypassing credential
// loading. Used by tests only.
func NewForTesting(client kubernetes.Interface, cfg Config) *Adapter {
	return &Adapter{client: client, cfg: cfg}
}

// Config returns the adapter's immutable process configuration.
func (a *Adapter) Config() Config { return a.cfg }

// loadRestConfig uses in-cluster credentials when InCluster is set, else
// the kubeconfig file at KubeconfigPath when one is given. With neither,
// it tries in-cluster credentials and then falls back to the default
// client-cmd loading rules (KUBECONFIG env / ~/.kube/config).
func loadRestConfig(cfg Config) (*rest.Config, error) {
	if cfg.InCluster {
		return rest.InClusterConfig()
	}

	if cfg.KubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	}

	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	if env := os.Getenv("KUBECONFIG"); env != "" {
		rules.ExplicitPath = env
	}

	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}
