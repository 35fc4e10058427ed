package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/debtdesk/apiserver/internal/mq"
	"github.com/debtdesk/apiserver/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	finalizeTimeout     = 10 * time.Second
)

var errRowBudget = errors.New("row limit exceeded")

// AccountRepository defines persistence operations for debtor accounts.
type AccountRepository interface {
	ExistsByAccountNumber(ctx context.Context, accountNumber string) (bool, error)
	Create(ctx context.Context, account types.Account) (types.Account, error)
	UpdateByAccountNumber(ctx context.Context, account types.Account) (types.Account, error)
}

// BatchRepository defines persistence operations for upload batches.
type BatchRepository interface {
	Create(ctx context.Context, batch types.UploadBatch) (types.UploadBatch, error)
	Finalize(ctx context.Context, batch types.UploadBatch) (types.UploadBatch, error)
	Get(ctx context.Context, batchID string) (types.UploadBatch, error)
	List(ctx context.Context, userID *int, offset, limit int) ([]types.UploadBatch, int, error)
}

// UploadArchive stores the raw file behind a batch.
type UploadArchive interface {
	SaveUpload(ctx context.Context, batchID string, uploadedBy int, fileName string, data []byte) (string, error)
	DeleteUpload(ctx context.Context, key string) error
}

// EventPublisher publishes batch lifecycle events.
type EventPublisher interface {
	PublishJSON(ctx context.Context, channel string, value any, attrs map[string]string) (string, error)
}

// UploadFile is an uploaded file already size-checked by the caller.
type UploadFile struct {
	Name string
	Data []byte
}

// UploadOptions controls how a batch treats failing and existing rows.
type UploadOptions struct {
	BatchName string
	// SkipErrors keeps processing past failed rows. When false the batch
	// stops at the first failed row and is marked failed.
	SkipErrors bool
	// UpdateExisting updates accounts whose number already exists instead
	// of counting them as duplicates.
	UpdateExisting bool
}

// BulkUploadOptions configures a BulkUploadService.
type BulkUploadOptions struct {
	MaxRows int
	Timeout time.Duration
	Archive UploadArchive
	Events  EventPublisher
	Logger  *zap.Logger
	Now     func() time.Time
}

// BatchCompletedEvent is published once a batch reaches a terminal status.
type BatchCompletedEvent struct {
	BatchID           string    `json:"batchId"`
	BatchName         string    `json:"batchName,omitempty"`
	FileName          string    `json:"fileName"`
	ObjectKey         string    `json:"objectKey,omitempty"`
	UploadedBy        int       `json:"uploadedBy"`
	Status            string    `json:"status"`
	TotalRecords      int       `json:"totalRecords"`
	SuccessfulRecords int       `json:"successfulRecords"`
	FailedRecords     int       `json:"failedRecords"`
	Duplicates        int       `json:"duplicates"`
	CompletedAt       time.Time `json:"completedAt"`
}

type outcomeKind int

const (
	rowInserted outcomeKind = iota
	rowUpdated
	rowDuplicate
	rowFailed
)

type rowOutcome struct {
	row  int
	kind outcomeKind
	errs []types.BulkUploadError
}

// readError is a read failure the reader cannot move past.
type readError struct {
	row int
	err error
}

func (e *readError) Error() string { return fmt.Sprintf("row %d: %v", e.row, e.err) }
func (e *readError) Unwrap() error { return e.err }

// BulkUploadService ingests account files and tracks their batches.
type BulkUploadService struct {
	accounts AccountRepository
	batches  BatchRepository
	maxRows  int
	timeout  time.Duration
	archive  UploadArchive
	events   EventPublisher
	logger   *zap.Logger
	now      func() time.Time
}

func NewBulkUploadService(accounts AccountRepository, batches BatchRepository, opts BulkUploadOptions) *BulkUploadService {
	s := &BulkUploadService{
		accounts: accounts,
		batches:  batches,
		maxRows:  opts.MaxRows,
		timeout:  opts.Timeout,
		archive:  opts.Archive,
		events:   opts.Events,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ProcessUpload validates and persists every row of file as one batch.
//
// discardArchive removes the archived file of a batch that was never
// recorded, so no object is left without a batch row.
func (s *BulkUploadService) discardArchive(ctx context.Context, logger *zap.Logger, key string) {
	if s.archive == nil || key == "" {
		return
	}
	if err := s.archive.DeleteUpload(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("delete orphaned upload failed", zap.String("key", key), zap.Error(err))
	}
}

// Format and header problems are returned before a batch exists. Once the
// batch is created it is always finalized, even when processing stops on a
// failed row, an exhausted budget or a persistence error; in the last case
// the finalized batch is returned together with the error.
func (s *BulkUploadService) ProcessUpload(ctx context.Context, file UploadFile, userID int, opts UploadOptions) (types.UploadBatch, error) {
	reader, err := OpenRowReader(file.Name, file.Data)
	if err != nil {
		return types.UploadBatch{}, err
	}
	defer reader.Close()

	batch := types.UploadBatch{
		BatchID:    uuid.NewString(),
		BatchName:  opts.BatchName,
		FileName:   file.Name,
		UploadedBy: userID,
		Status:     types.BatchStatusProcessing,
		Errors:     []types.BulkUploadError{},
		CreatedAt:  s.now(),
	}
	logger := s.logger.With(zap.String("batch_id", batch.BatchID), zap.Int("user_id", userID))

	if s.archive != nil {
		key, err := s.archive.SaveUpload(ctx, batch.BatchID, userID, file.Name, file.Data)
		if err != nil {
			logger.Warn("archive upload failed", zap.String("file", file.Name), zap.Error(err))
		}
		batch.ObjectKey = key
	}

	created, err := s.batches.Create(ctx, batch)
	if err != nil {
		s.discardArchive(ctx, logger, batch.ObjectKey)
		return types.UploadBatch{}, fmt.Errorf("create batch: %w", err)
	}
	batch = created

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var (
		stoppedAt int
		stopErr   error
	)
	for outcome, err := range s.outcomes(runCtx, reader, batch.BatchID, opts) {
		if err != nil {
			stopErr = err
			break
		}
		batch.TotalRecords++
		switch outcome.kind {
		case rowInserted, rowUpdated:
			batch.SuccessfulRecords++
		case rowDuplicate:
			batch.Duplicates++
		case rowFailed:
			batch.FailedRecords++
			batch.Errors = append(batch.Errors, outcome.errs...)
		}
		if outcome.kind == rowFailed && !opts.SkipErrors {
			stoppedAt = outcome.row
			break
		}
	}

	var processErr error
	switch {
	case stopErr == nil && stoppedAt == 0:
		batch.Status = types.BatchStatusCompleted
		batch.Message = fmt.Sprintf("Processed %d records: %d successful, %d failed, %d duplicates",
			batch.TotalRecords, batch.SuccessfulRecords, batch.FailedRecords, batch.Duplicates)
	case stopErr == nil:
		batch.TotalRecords += s.countRemaining(runCtx, reader)
		batch.Status = types.BatchStatusFailed
		batch.Message = fmt.Sprintf("Upload aborted at row %d: %d successful, %d failed, %d duplicates before the failure",
			stoppedAt, batch.SuccessfulRecords, batch.FailedRecords, batch.Duplicates)
	default:
		batch.Status = types.BatchStatusFailed
		processErr = s.describeStop(ctx, runCtx, &batch, stopErr)
	}

	now := s.now()
	batch.CompletedAt = &now

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	finalized, err := s.batches.Finalize(finalizeCtx, batch)
	if err != nil {
		return batch, errors.Join(processErr, fmt.Errorf("finalize batch: %w", err))
	}
	batch = finalized

	logger.Info("bulk upload finished",
		zap.String("status", batch.Status),
		zap.Int("total", batch.TotalRecords),
		zap.Int("successful", batch.SuccessfulRecords),
		zap.Int("failed", batch.FailedRecords),
		zap.Int("duplicates", batch.Duplicates),
	)
	s.publishCompleted(finalizeCtx, batch, logger)
	return batch, processErr
}

// describeStop fills the summary for a batch stopped by an error and
// returns the error to surface to the caller, if any.
func (s *BulkUploadService) describeStop(ctx, runCtx context.Context, batch *types.UploadBatch, stopErr error) error {
	counts := fmt.Sprintf("%d successful, %d failed, %d duplicates",
		batch.SuccessfulRecords, batch.FailedRecords, batch.Duplicates)

	var rerr *readError
	switch {
	case errors.Is(stopErr, errRowBudget):
		batch.Message = fmt.Sprintf("Upload exceeded the limit of %d rows: %s", s.maxRows, counts)
		return nil
	case ctx.Err() != nil:
		batch.Message = "Upload cancelled: " + counts
		return ctx.Err()
	case runCtx.Err() != nil:
		batch.Message = fmt.Sprintf("Upload exceeded the processing time limit of %s: %s", s.timeout, counts)
		return nil
	case errors.As(stopErr, &rerr):
		batch.TotalRecords++
		batch.FailedRecords++
		batch.Errors = append(batch.Errors, types.BulkUploadError{
			Row:     rerr.row,
			Message: fmt.Sprintf("row could not be read: %v", rerr.err),
		})
		batch.Message = fmt.Sprintf("Upload aborted at row %d, the file could not be read: %d successful, %d failed, %d duplicates",
			rerr.row, batch.SuccessfulRecords, batch.FailedRecords, batch.Duplicates)
		return nil
	default:
		batch.Message = fmt.Sprintf("Upload aborted: %v: %s", stopErr, counts)
		return stopErr
	}
}

// outcomes reads rows lazily and yields one outcome per non-blank row. A
// non-nil error ends the sequence.
func (s *BulkUploadService) outcomes(ctx context.Context, reader RowReader, batchID string, opts UploadOptions) iter.Seq2[rowOutcome, error] {
	return func(yield func(rowOutcome, error) bool) {
		last, seen := 0, 0
		for {
			if err := ctx.Err(); err != nil {
				yield(rowOutcome{}, err)
				return
			}
			row, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			var rowErr *RowError
			if err != nil && !errors.As(err, &rowErr) {
				yield(rowOutcome{}, &readError{row: last + 1, err: err})
				return
			}
			last = row.Number
			if rowErr == nil && row.Blank() {
				continue
			}
			if s.maxRows > 0 && seen >= s.maxRows {
				yield(rowOutcome{}, errRowBudget)
				return
			}
			seen++
			if rowErr != nil {
				if !yield(failedRow(row, "", "", fmt.Sprintf("row could not be read: %v", rowErr.Err)), nil) {
					return
				}
				continue
			}
			if !yield(s.processRow(ctx, row, batchID, opts)) {
				return
			}
		}
	}
}

// processRow validates a row and writes it. Validation runs before the
// existence check, so an invalid duplicate is reported as a failure.
func (s *BulkUploadService) processRow(ctx context.Context, row Row, batchID string, opts UploadOptions) (rowOutcome, error) {
	account, errs := parseAccountRow(row)
	if len(errs) > 0 {
		return rowOutcome{row: row.Number, kind: rowFailed, errs: errs}, nil
	}
	account.UploadBatchID = &batchID

	exists, err := s.accounts.ExistsByAccountNumber(ctx, account.AccountNumber)
	if err != nil {
		return rowOutcome{}, fmt.Errorf("row %d: check account: %w", row.Number, err)
	}
	if exists {
		if !opts.UpdateExisting {
			return rowOutcome{row: row.Number, kind: rowDuplicate}, nil
		}
		return s.updateRow(ctx, row, account)
	}

	_, err = s.accounts.Create(ctx, account)
	switch {
	case err == nil:
		return rowOutcome{row: row.Number, kind: rowInserted}, nil
	case errors.Is(err, types.ErrDuplicateAccount):
		// Another batch inserted the same number after the existence check.
		if opts.UpdateExisting {
			return s.updateRow(ctx, row, account)
		}
		return failedRow(row, FieldAccountNumber, account.AccountNumber, "account number was created concurrently by another upload"), nil
	default:
		return rowOutcome{}, fmt.Errorf("row %d: create account: %w", row.Number, err)
	}
}

func (s *BulkUploadService) updateRow(ctx context.Context, row Row, account types.Account) (rowOutcome, error) {
	_, err := s.accounts.UpdateByAccountNumber(ctx, account)
	switch {
	case err == nil:
		return rowOutcome{row: row.Number, kind: rowUpdated}, nil
	case errors.Is(err, types.ErrNotFound):
		return failedRow(row, FieldAccountNumber, account.AccountNumber, "account was removed before it could be updated"), nil
	default:
		return rowOutcome{}, fmt.Errorf("row %d: update account: %w", row.Number, err)
	}
}

func failedRow(row Row, field, value, message string) rowOutcome {
	return rowOutcome{
		row:  row.Number,
		kind: rowFailed,
		errs: []types.BulkUploadError{{Row: row.Number, Field: field, Message: message, Value: value}},
	}
}

// countRemaining counts the non-blank rows left after an abort without
// processing them.
func (s *BulkUploadService) countRemaining(ctx context.Context, reader RowReader) int {
	count := 0
	for ctx.Err() == nil {
		row, err := reader.Next()
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			count++
			continue
		}
		if err != nil {
			break
		}
		if !row.Blank() {
			count++
		}
	}
	return count
}

func (s *BulkUploadService) publishCompleted(ctx context.Context, batch types.UploadBatch, logger *zap.Logger) {
	if s.events == nil {
		return
	}
	event := BatchCompletedEvent{
		BatchID:           batch.BatchID,
		BatchName:         batch.BatchName,
		FileName:          batch.FileName,
		ObjectKey:         batch.ObjectKey,
		UploadedBy:        batch.UploadedBy,
		Status:            batch.Status,
		TotalRecords:      batch.TotalRecords,
		SuccessfulRecords: batch.SuccessfulRecords,
		FailedRecords:     batch.FailedRecords,
		Duplicates:        batch.Duplicates,
	}
	if batch.CompletedAt != nil {
		event.CompletedAt = *batch.CompletedAt
	}
	attrs := map[string]string{"batch-id": batch.BatchID, "status": batch.Status}
	if _, err := s.events.PublishJSON(ctx, mq.ChannelBatchCompleted, event, attrs); err != nil {
		logger.Warn("publish batch completed event failed", zap.Error(err))
	}
}

// GetBatchStatus returns a batch by id or types.ErrNotFound.
func (s *BulkUploadService) GetBatchStatus(ctx context.Context, batchID string) (types.UploadBatch, error) {
	if _, err := uuid.Parse(batchID); err != nil {
		return types.UploadBatch{}, types.ErrNotFound
	}
	return s.batches.Get(ctx, batchID)
}

// GetBatchHistory lists batches newest first with the total match count.
// A nil userID lists every user's batches.
func (s *BulkUploadService) GetBatchHistory(ctx context.Context, userID *int, offset, limit int) ([]types.UploadBatch, int, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.batches.List(ctx, userID, offset, limit)
}
