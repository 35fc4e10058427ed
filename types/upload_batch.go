package types

import "time"

// Batch status values. Completed and failed are terminal.
const (
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

// UploadBatch is the persisted outcome of one bulk upload.
// It is returned verbatim as the bulk upload result payload.
type UploadBatch struct {
	// BatchID is the UUID assigned when the upload starts.
	BatchID string `json:"batchId" db:"batch_id"`

	// BatchName is the optional caller-provided label.
	BatchName string `json:"batchName,omitempty" db:"batch_name"`

	// FileName is the original name of the uploaded file.
	FileName string `json:"fileName" db:"file_name"`

	// ObjectKey locates the archived upload in object storage, when archiving is enabled.
	ObjectKey string `json:"objectKey,omitempty" db:"object_key"`

	// UploadedBy is the id of the uploading user, kept for audit attribution.
	UploadedBy int `json:"uploadedBy" db:"uploaded_by"`

	// Status is one of processing, completed or failed.
	Status string `json:"status" db:"status"`

	// TotalRecords counts non-blank data rows.
	TotalRecords int `json:"totalRecords" db:"total_records"`

	// SuccessfulRecords counts rows inserted or updated.
	SuccessfulRecords int `json:"successfulRecords" db:"successful_records"`

	// FailedRecords counts rows that failed validation or persistence.
	FailedRecords int `json:"failedRecords" db:"failed_records"`

	// Duplicates counts rows skipped because the account already existed.
	Duplicates int `json:"duplicates" db:"duplicates"`

	// Errors lists row-level failures in file order.
	Errors []BulkUploadError `json:"errors" db:"errors"`

	// Message is a human-readable summary.
	Message string `json:"message" db:"message"`

	// CreatedAt is the time the batch was started.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// CompletedAt is set once the batch reaches a terminal status.
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Terminal reports whether the batch can no longer change.
func (b UploadBatch) Terminal() bool {
	return b.Status == BatchStatusCompleted || b.Status == BatchStatusFailed
}

// BulkUploadError describes a single rejected row.
type BulkUploadError struct {
	// Row is the 1-based data row number, header excluded.
	Row int `json:"row"`

	// Field is the offending column, if the failure is field-specific.
	Field string `json:"field,omitempty"`

	// Message explains the failure.
	Message string `json:"message"`

	// Value is the raw cell content that was rejected.
	Value string `json:"value,omitempty"`
}
