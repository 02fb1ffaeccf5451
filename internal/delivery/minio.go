package delivery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOOptions configures the object sink.
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// MinIOSink uploads the video and its metadata sidecar to a bucket under
// <prefix>/<task_id>/<session_id>.<ext>.
type MinIOSink struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOSink connects to the object store and makes sure the bucket exists.
func NewMinIOSink(ctx context.Context, opts MinIOOptions) (*MinIOSink, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: create minio client: %w", err)
	}

	s := &MinIOSink{client: client, bucket: opts.Bucket, prefix: opts.Prefix}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	slog.Info("delivery: minio sink ready", "endpoint", opts.Endpoint, "bucket", opts.Bucket)
	return s, nil
}

func (s *MinIOSink) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("delivery: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("delivery: create bucket %s: %w", s.bucket, err)
	}
	slog.Info("delivery: bucket created", "bucket", s.bucket)
	return nil
}

// Name implements Sink.
func (s *MinIOSink) Name() string { return "minio" }

// Deliver uploads the video file, then the metadata JSON.
func (s *MinIOSink) Deliver(ctx context.Context, r *Record) error {
	videoKey, metaKey := objectKeys(s.prefix, r)

	info, err := s.client.FPutObject(ctx, s.bucket, videoKey, r.Target, minio.PutObjectOptions{
		ContentType: r.ContentType(),
		UserMetadata: map[string]string{
			"session-id": r.SessionID,
			"task-id":    r.TaskID,
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", r.Target, err)
	}
	r.ObjectBucket = s.bucket
	r.ObjectKey = videoKey
	r.MetadataKey = metaKey

	meta, err := r.Metadata()
	if err != nil {
		return err
	}
	if _, err := s.client.PutObject(ctx, s.bucket, metaKey, bytes.NewReader(meta), int64(len(meta)), minio.PutObjectOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("upload metadata: %w", err)
	}

	slog.Debug("delivery: uploaded", "bucket", s.bucket, "key", videoKey, "size", info.Size)
	return nil
}

// Close implements Sink. The minio client holds no resources to release.
func (s *MinIOSink) Close() error { return nil }

// objectKeys returns the video and metadata object names for r.
func objectKeys(prefix string, r *Record) (video, meta string) {
	base := path.Join(prefix, r.TaskID, r.SessionID)
	ext := r.Container
	if ext == "" {
		ext = "bin"
	}
	return base + "." + ext, base + ".json"
}
