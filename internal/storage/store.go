// internal/storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docgen/internal/common/config"
	"docgen/internal/common/logger"
)

var (
	ErrNotFound      = errors.New("RESULT_NOT_FOUND")
	ErrInvalidHandle = errors.New("INVALID_RESULT_HANDLE")
)

const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
)

// ResultStore keeps rendered documents and hands back opaque handles.
type ResultStore interface {
	Put(ctx context.Context, jobID string, data []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Backend() string
}

// NewResultStore builds the configured store once at startup.
func NewResultStore(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (ResultStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFilesystem:
		store, err := NewFileStore(cfg.BaseDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendS3:
		store, err := NewS3Store(ctx, S3Config{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		}, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}

// resultKey is the relative key a job's document is stored under.
func resultKey(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", fmt.Errorf("%w: job id %q", ErrInvalidHandle, jobID)
	}
	return "results/" + jobID + ".pdf", nil
}
