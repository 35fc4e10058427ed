package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/debtdesk/apiserver/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient archives uploads in a MinIO bucket. Objects are tagged with
// their batch id so lifecycle rules can target them.
type MinioClient struct {
	client *minio.Client
	bucket string
}

// NewMinioClient constructs a MinIO client from config.
func NewMinioClient(cfg config.MinioConfig) (*MinioClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("minio access key and secret key are required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioClient{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the archive bucket when it is missing.
func (m *MinioClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil || exists {
		return err
	}
	return m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
}

// PutUpload writes the upload in one request with an MD5 check.
func (m *MinioClient) PutUpload(ctx context.Context, upload Upload) error {
	_, err := m.client.PutObject(ctx, m.bucket, upload.Key(), bytes.NewReader(upload.Data), int64(len(upload.Data)), minioPutOptions(upload))
	return err
}

// Remove deletes an archived object.
func (m *MinioClient) Remove(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

// Bucket returns the configured bucket name.
func (m *MinioClient) Bucket() string {
	return m.bucket
}

func minioPutOptions(upload Upload) minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType:        upload.ContentType(),
		ContentDisposition: upload.ContentDisposition(),
		UserMetadata:       upload.Metadata(),
		UserTags:           map[string]string{"batch-id": upload.BatchID},
		SendContentMd5:     true,
	}
}
