// Package servicedesc holds the read-only Service Description model
// loaded at startup and the static asset loader that reads one YAML
// file per service from disk.
package servicedesc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// ResourceKind is the kind of an input or output resource.
type ResourceKind string

const (
	KindEnvironment  ResourceKind = "environment"
	KindData         ResourceKind = "data"
	KindDataArchive  ResourceKind = "data_archive"
)

// Resource describes one declared input or output of a service.
type Resource struct {
	Name            string       `yaml:"name" json:"name"`
	Kind            ResourceKind `yaml:"kind" json:"kind"`
	MountPath       string       `yaml:"mount_path,omitempty" json:"mount_path,omitempty"`
	SourceReference string       `yaml:"source_reference,omitempty" json:"source_reference,omitempty"`
	Description     string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// WorkflowResourceSpec describes the worker pod to run.
type WorkflowResourceSpec struct {
	WorkerImage           string   `yaml:"worker_image" json:"worker_image"`
	WorkerOutputDirectory string   `yaml:"worker_output_directory,omitempty" json:"worker_output_directory,omitempty"`
	WorkerCommand         []string `yaml:"worker_command,omitempty" json:"worker_command,omitempty"`
	WorkerArgs            []string `yaml:"worker_args,omitempty" json:"worker_args,omitempty"`
	GPURequired           bool     `yaml:"gpu_required,omitempty" json:"gpu_required,omitempty"`
}

// Description is one service's full, read-only description.
type Description struct {
	ServiceID        string               `yaml:"service_id" json:"service_id"`
	ValidFrom        *time.Time           `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
	ValidTo          *time.Time           `yaml:"valid_to,omitempty" json:"valid_to,omitempty"`
	Inputs           []Resource           `yaml:"inputs" json:"inputs"`
	Outputs          []Resource           `yaml:"outputs" json:"outputs"`
	WorkflowResource WorkflowResourceSpec `yaml:"workflow_resource" json:"workflow_resource"`
}

// Validate checks the description's structural invariants: service_id
// must be set, worker_image must parse as a container image reference,
// input/output kinds must be recognized.
func (d *Description) Validate() error {
	if d.ServiceID == "" {
		return fmt.Errorf("servicedesc: %s: service_id is required", d.ServiceID)
	}
	if _, err := name.ParseReference(d.WorkflowResource.WorkerImage); err != nil {
		return fmt.Errorf("servicedesc: %s: invalid worker_image: %w", d.ServiceID, err)
	}
	for _, r := range append(append([]Resource{}, d.Inputs...), d.Outputs...) {
		switch r.Kind {
		case KindEnvironment, KindData, KindDataArchive:
		default:
			return fmt.Errorf("servicedesc: %s: resource %q has unknown kind %q", d.ServiceID, r.Name, r.Kind)
		}
	}
	return nil
}

// InputByName returns the declared input resource with the given name.
func (d *Description) InputByName(resource string) (Resource, bool) {
	for _, r := range d.Inputs {
		if r.Name == resource {
			return r, true
		}
	}
	return Resource{}, false
}

// OutputByName returns the declared output resource with the given name.
func (d *Description) OutputByName(resource string) (Resource, bool) {
	for _, r := range d.Outputs {
		if r.Name == resource {
			return r, true
		}
	}
	return Resource{}, false
}

// Valid reports whether the service description is within its
// configured validity window.
func (d *Description) Valid(at time.Time) bool {
	if d.ValidFrom != nil && at.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidTo != nil && at.After(*d.ValidTo) {
		return false
	}
	return true
}

// Registry is the read-only, in-memory set of loaded service
// descriptions, keyed by service id.
type Registry struct {
	descriptions map[string]*Description
}

// Load reads every "*.yaml"/"*.yml" file in dir as a Description.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("servicedesc: reading %s: %w", dir, err)
	}

	reg := &Registry{descriptions: make(map[string]*Description)}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("servicedesc: reading %s: %w", path, err)
		}

		var desc Description
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("servicedesc: parsing %s: %w", path, err)
		}
		if err := desc.Validate(); err != nil {
			return nil, err
		}

		reg.descriptions[desc.ServiceID] = &desc
	}

	return reg, nil
}

// Get returns the service description with the given id.
func (r *Registry) Get(serviceID string) (*Description, bool) {
	d, ok := r.descriptions[serviceID]
	return d, ok
}

// List returns all loaded service descriptions.
func (r *Registry) List() []*Description {
	out := make([]*Description, 0, len(r.descriptions))
	for _, d := range r.descriptions {
		out = append(out, d)
	}
	return out
}
