package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const MaxUploadBytes int64 = 25 * 1024 * 1024

// ObjectStorage keeps the original bytes of uploaded knowledge files in
// MinIO/S3 so they can be downloaded again after extraction.
type ObjectStorage struct {
	client *minio.Client
	bucket string
}

// NewObjectStorageFromEnv returns nil without error when MINIO_* is unset.
func NewObjectStorageFromEnv() (*ObjectStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &ObjectStorage{client: client, bucket: bucket}, nil
}

// Upload stores data under knowledge/<uuid><ext> and returns the object key.
func (s *ObjectStorage) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: object storage not configured")
	}
	if len(data) == 0 {
		return "", errors.New("storage: file is empty")
	}
	if int64(len(data)) > MaxUploadBytes {
		return "", fmt.Errorf("storage: file size exceeds %d bytes", MaxUploadBytes)
	}

	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	objectName := path.Join("knowledge", uuid.NewString()+objectExtension(filename))

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"original-name": path.Base(filepath.ToSlash(filename)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload object: %w", err)
	}
	return objectName, nil
}

// Remove deletes the object. Missing storage or an empty key is a no-op.
func (s *ObjectStorage) Remove(ctx context.Context, objectName string) error {
	if s == nil || s.client == nil {
		return nil
	}
	objectName = strings.TrimPrefix(strings.TrimSpace(objectName), "/")
	if objectName == "" {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary download URL for the object.
func (s *ObjectStorage) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: object storage not configured")
	}
	objectName = strings.TrimPrefix(strings.TrimSpace(objectName), "/")
	if objectName == "" {
		return "", errors.New("storage: object name is empty")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func objectExtension(filename string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" || len(ext) > 10 {
		return ".bin"
	}
	return ext
}
