package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/debtdesk/apiserver/types"
)

const batchColumns = `batch_id, batch_name, file_name, object_key, uploaded_by, status,
		total_records, successful_records, failed_records, duplicates, errors, message,
		created_at, completed_at`

// BatchRepository handles persistence for upload batches.
type BatchRepository struct {
	db *sql.DB
}

func NewBatchRepository(db *sql.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) Create(ctx context.Context, batch types.UploadBatch) (types.UploadBatch, error) {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}
	if batch.Status == "" {
		batch.Status = types.BatchStatusProcessing
	}
	errorsJSON, err := marshalBatchErrors(batch.Errors)
	if err != nil {
		return types.UploadBatch{}, err
	}

	const query = `
		INSERT INTO upload_batches (
			batch_id, batch_name, file_name, object_key, uploaded_by, status,
			total_records, successful_records, failed_records, duplicates, errors, message,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		batch.BatchID,
		batch.BatchName,
		batch.FileName,
		batch.ObjectKey,
		batch.UploadedBy,
		batch.Status,
		batch.TotalRecords,
		batch.SuccessfulRecords,
		batch.FailedRecords,
		batch.Duplicates,
		errorsJSON,
		batch.Message,
		batch.CreatedAt,
	); err != nil {
		return types.UploadBatch{}, err
	}
	return batch, nil
}

// Finalize writes the terminal state of a batch. Only batches still in the
// processing state are updated; anything else yields ErrNotFound.
func (r *BatchRepository) Finalize(ctx context.Context, batch types.UploadBatch) (types.UploadBatch, error) {
	if batch.CompletedAt == nil {
		now := time.Now()
		batch.CompletedAt = &now
	}
	errorsJSON, err := marshalBatchErrors(batch.Errors)
	if err != nil {
		return types.UploadBatch{}, err
	}

	const query = `
		UPDATE upload_batches
		SET status = $2,
			object_key = $3,
			total_records = $4,
			successful_records = $5,
			failed_records = $6,
			duplicates = $7,
			errors = $8,
			message = $9,
			completed_at = $10
		WHERE batch_id = $1 AND status = 'processing'`
	err = execAffectingOne(
		ctx,
		r.db,
		query,
		batch.BatchID,
		batch.Status,
		batch.ObjectKey,
		batch.TotalRecords,
		batch.SuccessfulRecords,
		batch.FailedRecords,
		batch.Duplicates,
		errorsJSON,
		batch.Message,
		*batch.CompletedAt,
	)
	if err != nil {
		return types.UploadBatch{}, err
	}
	return batch, nil
}

func (r *BatchRepository) Get(ctx context.Context, batchID string) (types.UploadBatch, error) {
	const query = `SELECT ` + batchColumns + ` FROM upload_batches WHERE batch_id = $1`
	batch, err := scanBatch(r.db.QueryRowContext(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.UploadBatch{}, ErrNotFound
		}
		return types.UploadBatch{}, err
	}
	return batch, nil
}

// List returns batches newest first. A nil userID lists every user's batches.
func (r *BatchRepository) List(ctx context.Context, userID *int, offset, limit int) ([]types.UploadBatch, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	const countQuery = `SELECT COUNT(1) FROM upload_batches WHERE ($1::int IS NULL OR uploaded_by = $1)`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	const listQuery = `
		SELECT ` + batchColumns + `
		FROM upload_batches
		WHERE ($1::int IS NULL OR uploaded_by = $1)
		ORDER BY created_at DESC, batch_id
		OFFSET $2 LIMIT $3`
	rows, err := r.db.QueryContext(ctx, listQuery, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	batches := make([]types.UploadBatch, 0, limit)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return batches, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (types.UploadBatch, error) {
	var batch types.UploadBatch
	var errorsJSON []byte
	var completedAt sql.NullTime
	if err := row.Scan(
		&batch.BatchID,
		&batch.BatchName,
		&batch.FileName,
		&batch.ObjectKey,
		&batch.UploadedBy,
		&batch.Status,
		&batch.TotalRecords,
		&batch.SuccessfulRecords,
		&batch.FailedRecords,
		&batch.Duplicates,
		&errorsJSON,
		&batch.Message,
		&batch.CreatedAt,
		&completedAt,
	); err != nil {
		return types.UploadBatch{}, err
	}

	batch.Errors = []types.BulkUploadError{}
	_ = json.Unmarshal(errorsJSON, &batch.Errors)
	if completedAt.Valid {
		t := completedAt.Time
		batch.CompletedAt = &t
	}
	return batch, nil
}

func marshalBatchErrors(rowErrors []types.BulkUploadError) ([]byte, error) {
	if rowErrors == nil {
		rowErrors = []types.BulkUploadError{}
	}
	return json.Marshal(rowErrors)
}
