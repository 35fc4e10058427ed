package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strconv"
	"strings"

	"github.com/debtdesk/apiserver/config"
)

const uploadPrefix = "bulk-uploads"

// Upload is the source file of a bulk upload batch.
type Upload struct {
	BatchID    string
	UploadedBy int
	FileName   string
	Data       []byte
}

// Key returns bulk-uploads/<batch>/<base name>.
func (u Upload) Key() string {
	return path.Join(uploadPrefix, u.BatchID, u.baseName())
}

// ContentType derives the MIME type from the file extension.
func (u Upload) ContentType() string {
	switch strings.ToLower(path.Ext(u.baseName())) {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	default:
		return "application/octet-stream"
	}
}

// ContentDisposition makes downloads keep the uploader's file name.
func (u Upload) ContentDisposition() string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": u.baseName()})
}

// Metadata is attached to the stored object.
func (u Upload) Metadata() map[string]string {
	return map[string]string{
		"batch-id":    u.BatchID,
		"uploaded-by": strconv.Itoa(u.UploadedBy),
	}
}

func (u Upload) baseName() string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(u.FileName), `\`, "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	return base
}

// Backend stores batch uploads in one bucket.
type Backend interface {
	EnsureBucket(ctx context.Context) error
	PutUpload(ctx context.Context, upload Upload) error
	Remove(ctx context.Context, key string) error
	Bucket() string
}

// Archive keeps the raw files behind bulk upload batches. A nil *Archive
// skips archiving.
type Archive struct {
	backend Backend
}

// NewArchive constructs an Archive for the provided backend.
func NewArchive(backend Backend) *Archive {
	return &Archive{backend: backend}
}

// NewFromConfig builds the configured backend and makes sure its bucket
// exists. It returns nil when archiving is disabled.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (*Archive, error) {
	var backend Backend
	switch cfg.Backend {
	case "":
		return nil, nil
	case "minio":
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		backend = client
	case "gcs":
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		backend = client
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if err := backend.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", backend.Bucket(), err)
	}
	return NewArchive(backend), nil
}

// SaveUpload stores the uploaded file and returns its object key.
func (a *Archive) SaveUpload(ctx context.Context, batchID string, uploadedBy int, fileName string, data []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	upload := Upload{BatchID: batchID, UploadedBy: uploadedBy, FileName: fileName, Data: data}
	if err := a.backend.PutUpload(ctx, upload); err != nil {
		return "", fmt.Errorf("put %s: %w", upload.Key(), err)
	}
	return upload.Key(), nil
}

// DeleteUpload removes an archived upload whose batch was never recorded.
func (a *Archive) DeleteUpload(ctx context.Context, key string) error {
	if a == nil || key == "" {
		return nil
	}
	return a.backend.Remove(ctx, key)
}
