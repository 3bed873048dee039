// Package s3 stores event snapshots and uploaded videos in MinIO.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lookout/internal/events"
)

// objectStore is the subset of *minio.Client used here
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Client writes objects into one bucket
type Client struct {
	store  objectStore
	bucket string
}

// NewMinioClient connects to a MinIO endpoint
func NewMinioClient(endpoint, accessKey, secretKey, bucket string, secure bool) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{store: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.store.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.store.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// SnapshotKey is the object name of an event's annotated frame
func SnapshotKey(e *events.Event) string {
	return path.Join("snapshots", e.Resource(), e.ID+".jpg")
}

// VideoKey is the object name of an archived upload
func VideoKey(jobID, filename string) string {
	return path.Join("videos", jobID, path.Base(filename))
}

// Persist uploads the event frame and records its object key on the event.
// Events without a frame are skipped.
func (c *Client) Persist(ctx context.Context, e *events.Event) error {
	if len(e.Frame) == 0 {
		return nil
	}

	key := SnapshotKey(e)
	_, err := c.store.PutObject(ctx, c.bucket, key, bytes.NewReader(e.Frame), int64(len(e.Frame)),
		minio.PutObjectOptions{
			ContentType: "image/jpeg",
			UserMetadata: map[string]string{
				"class-name": e.ClassName,
				"model-type": e.ModelType,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}

	e.SnapshotKey = key
	return nil
}

// ArchiveVideo copies an uploaded video file into the bucket and returns its key
func (c *Client) ArchiveVideo(ctx context.Context, jobID, filename, filePath string) (string, error) {
	key := VideoKey(jobID, filename)
	if _, err := c.store.FPutObject(ctx, c.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return "", fmt.Errorf("failed to archive video %s: %w", key, err)
	}
	return key, nil
}

var _ events.Sink = (*Client)(nil)
