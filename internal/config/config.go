// Package config loads the section-keyed configuration file: a
// "[workflow_api]" section and a "[minio]" section.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// WorkflowAPI holds the [workflow_api] section.
type WorkflowAPI struct {
	User                    string
	AccessToken             string
	Backend                 string
	BackendKubeconfig       string
	BackendInCluster        bool
	BackendNamespace        string
	BackendImagePullSecret  string
	BackendDataSideCarImage string
	InstantRemoval          bool
	StoreResultGracePeriod  time.Duration
	JobStorageType          string
	JobStorageSize          string
	ServiceDescriptionsDir  string
}

// Minio holds the [minio] section: the object store adapter's config.
type Minio struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// Config is the fully parsed configuration file.
type Config struct {
	WorkflowAPI WorkflowAPI
	Minio       Minio
}

func defaults() Config {
	return Config{
		WorkflowAPI: WorkflowAPI{
			Backend:                "kubernetes",
			InstantRemoval:         true,
			StoreResultGracePeriod: 15 * time.Minute,
			JobStorageType:         "empty_dir",
		},
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads a section-keyed KEY=VALUE config stream.
func Parse(r io.Reader) (*Config, error) {
	cfg := defaults()

	section := ""
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: line %d: expected KEY=VALUE, got %q", lineNo, line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.set(section, key, value); err != nil {
			return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) set(section, key, value string) error {
	switch section {
	case "workflow_api":
		return c.setWorkflowAPI(key, value)
	case "minio":
		return c.setMinio(key, value)
	default:
		return fmt.Errorf("unknown section %q", section)
	}
}

func (c *Config) setWorkflowAPI(key, value string) error {
	w := &c.WorkflowAPI
	switch key {
	case "workflow_api_user":
		w.User = value
	case "workflow_api_access_token":
		w.AccessToken = value
	case "workflow_backend":
		w.Backend = value
	case "workflow_backend_kubeconfig":
		w.BackendKubeconfig = value
	case "workflow_backend_in_cluster":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("workflow_backend_in_cluster: %w", err)
		}
		w.BackendInCluster = b
	case "workflow_backend_namespace":
		w.BackendNamespace = value
	case "workflow_backend_image_pull_secret":
		w.BackendImagePullSecret = value
	case "workflow_backend_data_side_car_image":
		w.BackendDataSideCarImage = value
	case "workflow_api_instant_removal":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("workflow_api_instant_removal: %w", err)
		}
		w.InstantRemoval = b
	case "workflow_api_store_result_grace_period":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("workflow_api_store_result_grace_period: %w", err)
		}
		w.StoreResultGracePeriod = d
	case "workflow_backend_job_storage_type":
		w.JobStorageType = value
	case "workflow_backend_job_storage_size":
		w.JobStorageSize = value
	case "workflow_api_service_descriptions_dir":
		w.ServiceDescriptionsDir = value
	default:
		return fmt.Errorf("unknown key %q in [workflow_api]", key)
	}
	return nil
}

func (c *Config) setMinio(key, value string) error {
	m := &c.Minio
	switch key {
	case "endpoint":
		m.Endpoint = value
	case "access_key":
		m.AccessKey = value
	case "secret_key":
		m.SecretKey = value
	case "secure":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("secure: %w", err)
		}
		m.Secure = b
	default:
		return fmt.Errorf("unknown key %q in [minio]", key)
	}
	return nil
}
