// Package blob stores user avatars in MinIO. Like the search index, object
// storage is optional infrastructure: an empty endpoint or unreachable server
// leaves the feature disabled and the rest of the service running.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"codepad/api/internal/logger"
)

type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to MinIO and ensures the bucket exists. Returns nil when
// endpoint is empty or the server is unreachable; callers treat a nil Store
// as "avatars disabled".
func NewStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) *Store {
	if endpoint == "" {
		logger.Sugar.Infow("avatar storage disabled, no MinIO endpoint configured")
		return nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Sugar.Warnw("minio client init failed, avatars disabled", "endpoint", endpoint, "error", err)
		return nil
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		logger.Sugar.Warnw("minio unreachable, avatars disabled", "endpoint", endpoint, "error", err)
		return nil
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			logger.Sugar.Warnw("minio bucket create failed, avatars disabled", "bucket", bucket, "error", err)
			return nil
		}
	}

	return &Store{client: client, bucket: bucket}
}

// Enabled reports whether avatar storage is available.
func (s *Store) Enabled() bool {
	return s != nil
}

// PutAvatar uploads an avatar and returns the object key. The key embeds the
// user id so a re-upload replaces the previous avatar.
func (s *Store) PutAvatar(ctx context.Context, userID string, r io.Reader, size int64, contentType string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("avatar storage disabled")
	}
	key := fmt.Sprintf("avatars/%s", userID)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put avatar %s: %w", key, err)
	}
	return key, nil
}

// AvatarURL returns a short-lived presigned GET URL for the stored avatar.
func (s *Store) AvatarURL(ctx context.Context, key string) (string, error) {
	if s == nil || key == "" {
		return "", nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, 15*time.Minute, nil)
	if err != nil {
		return "", fmt.Errorf("presign avatar %s: %w", key, err)
	}
	return u.String(), nil
}
