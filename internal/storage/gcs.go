package storage

import (
	"context"
	"errors"
	"hash/crc32"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/debtdesk/apiserver/config"
	"google.golang.org/api/option"
)

const gcsMaxChunk = 16 << 20

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// GCSClient archives uploads in a Cloud Storage bucket. Writes never
// replace an existing object, since batch ids are unique.
type GCSClient struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// NewGCSClient constructs a GCS client from config.
func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSClient{client: client, bucket: cfg.Bucket, projectID: cfg.ProjectID}, nil
}

// EnsureBucket creates the archive bucket when it is missing.
func (g *GCSClient) EnsureBucket(ctx context.Context) error {
	_, err := g.client.Bucket(g.bucket).Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return err
	}
	if strings.TrimSpace(g.projectID) == "" {
		return errors.New("gcs project id is required to create bucket")
	}
	return g.client.Bucket(g.bucket).Create(ctx, g.projectID, nil)
}

// PutUpload writes the upload with a CRC32C the server verifies.
func (g *GCSClient) PutUpload(ctx context.Context, upload Upload) error {
	object := g.client.Bucket(g.bucket).Object(upload.Key()).If(storage.Conditions{DoesNotExist: true})
	writer := object.NewWriter(ctx)
	writer.ObjectAttrs = gcsAttrs(upload)
	writer.SendCRC32C = true
	writer.ChunkSize = chunkSizeFor(int64(len(upload.Data)))
	if _, err := writer.Write(upload.Data); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// Remove deletes an archived object.
func (g *GCSClient) Remove(ctx context.Context, key string) error {
	return g.client.Bucket(g.bucket).Object(key).Delete(ctx)
}

// Bucket returns the configured bucket name.
func (g *GCSClient) Bucket() string {
	return g.bucket
}

func gcsAttrs(upload Upload) storage.ObjectAttrs {
	return storage.ObjectAttrs{
		Name:               upload.Key(),
		ContentType:        upload.ContentType(),
		ContentDisposition: upload.ContentDisposition(),
		Metadata:           upload.Metadata(),
		CRC32C:             crc32.Checksum(upload.Data, castagnoli),
	}
}

// chunkSizeFor uploads small archives in a single request.
func chunkSizeFor(size int64) int {
	if size >= gcsMaxChunk {
		return gcsMaxChunk
	}
	return 0
}
