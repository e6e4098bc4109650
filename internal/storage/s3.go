// internal/storage/s3.go
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"docgen/internal/common/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // S3-compatible providers such as MinIO or R2
	UsePathStyle bool
}

// S3API is the subset of *s3.Client the store calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps documents in an S3 bucket. Handles are object keys.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger logger.Logger
}

// NewS3Store uses the AWS default credential chain.
func NewS3Store(ctx context.Context, cfg S3Config, log logger.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg, log), nil
}

func NewS3StoreWithClient(client S3API, cfg S3Config, log logger.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: log.WithFields(map[string]interface{}{
			"component": "s3-result-store",
			"bucket":    cfg.Bucket,
		}),
	}
}

func (s *S3Store) Backend() string { return BackendS3 }

// objectKey places a handle under the configured prefix. Handles stay
// prefix-free so they look the same on every backend.
func (s *S3Store) objectKey(handle string) string {
	if s.prefix == "" {
		return handle
	}
	return path.Join(s.prefix, handle)
}

func (s *S3Store) Put(ctx context.Context, jobID string, data []byte) (string, error) {
	handle, err := resultKey(jobID)
	if err != nil {
		return "", err
	}
	key := s.objectKey(handle)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/pdf"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put s3://%s/%s: %w", s.bucket, key, err)
	}

	s.logger.Debug("stored document", map[string]interface{}{
		"key":   key,
		"bytes": len(data),
	})
	return handle, nil
}

func (s *S3Store) Get(ctx context.Context, handle string) ([]byte, error) {
	cleaned, err := sanitizeKey(handle)
	if err != nil {
		return nil, err
	}
	key := s.objectKey(cleaned)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read s3 object: %w", err)
	}
	return data, nil
}
