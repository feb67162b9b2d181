package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ingestion-scheduler/internal/config"
)

// ResultArchive stores the per-batch result document.
type ResultArchive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewResultArchive picks S3 when a bucket is configured, a local directory when
// RESULT_DIR is set, and nil (archiving disabled) otherwise.
func NewResultArchive(ctx context.Context, cfg config.Config) (ResultArchive, error) {
	if cfg.ResultS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Archive{client: client, bucket: cfg.ResultS3Bucket}, nil
	}
	if cfg.ResultDir != "" {
		return &localArchive{baseDir: cfg.ResultDir}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ResultS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ResultS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ResultS3Endpoint)
		}
		o.UsePathStyle = cfg.ResultS3PathStyle
	}), nil
}

func resultKey(jobID, batchID string) string {
	return sanitizeKey(fmt.Sprintf("jobs/%s/batches/%s.json", jobID, batchID))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localArchive struct {
	baseDir string
}

func (l *localArchive) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Archive struct {
	client *s3.Client
	bucket string
}

func (s *s3Archive) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
