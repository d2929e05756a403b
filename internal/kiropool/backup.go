package kiropool

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	log "github.com/sirupsen/logrus"
)

// RemoteBackup mirrors the credentials file to an S3-compatible bucket
// after every successful save by the pool, giving an operator a recovery
// point independent of the host's disk. The stats and balance-cache files
// are not mirrored. Entirely optional: a
// deployment with no object storage configured just never constructs one.
type RemoteBackup struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewRemoteBackup wraps an already-constructed minio client.
func NewRemoteBackup(client *minio.Client, bucket, prefix string) *RemoteBackup {
	return &RemoteBackup{client: client, bucket: bucket, prefix: prefix}
}

// Mirror uploads the file at localPath under prefix/name in the bucket.
// Failures are logged, not propagated — a backup miss must never block
// the local write that is the pool's actual source of truth.
func (b *RemoteBackup) Mirror(ctx context.Context, localPath string) {
	if b == nil || b.client == nil {
		return
	}
	name := filepath.Join(b.prefix, filepath.Base(localPath))

	info, err := os.Stat(localPath)
	if err != nil {
		log.WithError(err).WithField("file", localPath).Warn("backup: source file unreadable, skipping mirror")
		return
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = b.client.FPutObject(uploadCtx, b.bucket, name, localPath, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"bucket": b.bucket, "object": name}).Warn("backup: mirror upload failed")
		return
	}
	log.WithFields(log.Fields{"bucket": b.bucket, "object": name, "size": info.Size()}).Debug("backup: mirrored file")
}

// EnsureBucket creates the backup bucket if it does not already exist.
func (b *RemoteBackup) EnsureBucket(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{})
}
