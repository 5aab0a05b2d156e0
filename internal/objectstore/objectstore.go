// Package objectstore adapts the workflow service to a minio-go-backed
// object store for input/output bytes against the [minio]-configured
// endpoint. It is the one external dependency named directly by the
// configuration file rather than grounded on a retrieved example (see
// DESIGN.md).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config is the [minio] section of the configuration file.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// Store is the object store adapter. All methods operate against a
// single bucket fixed at Setup time ("<workflow_api_user>-storage").
type Store struct {
	client *minio.Client
	bucket string
	cfg    Config
}

// Setup connects to the configured endpoint and ensures bucket exists,
// creating it if absent (see DESIGN.md).
func Setup(ctx context.Context, cfg Config, bucket string) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: connecting to %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objectstore: creating bucket %s: %w", bucket, err)
		}
	}

	return &Store{client: client, bucket: bucket, cfg: cfg}, nil
}

// Config returns the object store's connection configuration, used to
// populate WorkflowStoreInfo for the side-car protocol.
func (s *Store) Config() Config { return s.cfg }

// Bucket returns the fixed destination bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Put uploads data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// Get streams the object at key. Callers must close the returned
// reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	// minio-go defers the actual network round trip to the first Read,
	// so confirm existence up front rather than surfacing a deferred
	// 404 mid-stream.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, ErrNotFound{Key: key, cause: err}
	}
	return obj, nil
}

// Stat reports whether key exists without downloading it, used to
// return 404 on an output that has not been produced yet.
func (s *Store) Stat(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: stat %s: %w", key, err)
	}
	return true, nil
}

// List returns the basenames of every object stored under prefix,
// used by the "no result_file" branch of the results route to list a
// workflow's produced output files.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix + "/"}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objectstore: listing %s: %w", prefix, obj.Err)
		}
		names = append(names, strings.TrimPrefix(obj.Key, prefix+"/"))
	}
	return names, nil
}

// ErrNotFound is returned by Get when key does not exist.
type ErrNotFound struct {
	Key   string
	cause error
}

func (e ErrNotFound) Error() string { return fmt.Sprintf("objectstore: %s: not found", e.Key) }
func (e ErrNotFound) Unwrap() error { return e.cause }
