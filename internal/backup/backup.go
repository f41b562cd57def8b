// Package backup stores copies of a replica's collection before a migration
// writes to it. Both sinks write JSONL, one record per line, in the format
// migrate.ReadJSONL reads back.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/schema"
)

// Sink is where backups go. migrate.Engine accepts any Sink.
type Sink = migrate.BackupSink

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*MinioSink)(nil)
)

// FileSink writes backups as timestamped files in a directory.
type FileSink struct {
	dir string
	now func() time.Time
}

// NewFileSink creates a sink that writes into dir, creating it on first use.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir, now: time.Now}
}

// Write stores todos under dir and returns the file path.
func (s *FileSink) Write(_ context.Context, name string, todos []schema.Todo) (string, error) {
	path := filepath.Join(s.dir, migrate.BackupName(name, s.now()))
	if err := migrate.WriteJSONL(path, todos); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return path, nil
}

// MinioConfig locates an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool

	// Prefix is prepended to every object name, e.g. "todosync/".
	Prefix string
}

// Enabled reports whether enough is configured to use object storage.
func (c MinioConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// MinioSink uploads backups to an S3-compatible bucket.
type MinioSink struct {
	client *minio.Client
	cfg    MinioConfig
	logger *log.Logger
	now    func() time.Time

	bucketReady bool
}

// NewMinioSink connects to the object store. The bucket is created on the
// first write if it does not exist.
//
// If logger is nil, a default logger writing to stderr is used.
func NewMinioSink(cfg MinioConfig, logger *log.Logger) (*MinioSink, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("minio backup needs an endpoint and a bucket")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[backup] ", log.LstdFlags)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioSink{client: client, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Write uploads todos and returns the object's s3:// location.
func (s *MinioSink) Write(ctx context.Context, name string, todos []schema.Todo) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := migrate.EncodeJSONL(&buf, todos); err != nil {
		return "", err
	}

	object := s.cfg.Prefix + migrate.BackupName(name, s.now())
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}
	s.logger.Printf("Uploaded %s (%d bytes)", object, info.Size)
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, object), nil
}

func (s *MinioSink) ensureBucket(ctx context.Context) error {
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.cfg.Bucket, err)
		}
		s.logger.Printf("Created bucket %s", s.cfg.Bucket)
	}
	s.bucketReady = true
	return nil
}
